package filter

import (
	"context"
	"fmt"
	"maps"

	"github.com/objectfs/objectsync/pkg/types"
)

// MetadataFilter adds fixed user metadata pairs to every object.
type MetadataFilter struct {
	pairs map[string]string
}

// NewMetadataFilter creates the filter. At least one pair is required.
func NewMetadataFilter(pairs map[string]string) (*MetadataFilter, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("metadata filter needs at least one key")
	}
	return &MetadataFilter{pairs: maps.Clone(pairs)}, nil
}

func (f *MetadataFilter) Name() string { return "metadata" }

func (f *MetadataFilter) Filter(ctx context.Context, oc *types.ObjectContext) error {
	md := oc.Object.Metadata()
	if md.UserMetadata == nil {
		md.UserMetadata = make(map[string]string, len(f.pairs))
	}
	// values the pairs overwrite; keys absent before are not listed
	prior := make(map[string]string)
	for k := range f.pairs {
		if v, ok := md.UserMetadata[k]; ok {
			prior[k] = v
		}
	}
	oc.SetProperty(f.propertyKey(), prior)
	maps.Copy(md.UserMetadata, f.pairs)
	return oc.Next(ctx)
}

func (f *MetadataFilter) ReverseFilter(_ context.Context, oc *types.ObjectContext, target *types.SyncObject) (*types.SyncObject, error) {
	md := target.Metadata()
	var prior map[string]string
	if v, ok := oc.Property(f.propertyKey()); ok {
		prior, _ = v.(map[string]string)
	} else if oc.Object != nil {
		// no forward pass this run; the source holds what was overwritten
		prior = oc.Object.Metadata().UserMetadata
	}
	for k := range f.pairs {
		if v, ok := prior[k]; ok {
			if md.UserMetadata == nil {
				md.UserMetadata = make(map[string]string, len(prior))
			}
			md.UserMetadata[k] = v
			continue
		}
		delete(md.UserMetadata, k)
	}
	return target, nil
}

func (f *MetadataFilter) propertyKey() string {
	return fmt.Sprintf("metadata.prior.%p", f)
}

// ContentTypeFilter overrides the content type. The original type is not
// recorded, so the filter cannot be reversed.
type ContentTypeFilter struct {
	contentType string
}

// NewContentTypeFilter creates the filter.
func NewContentTypeFilter(contentType string) (*ContentTypeFilter, error) {
	if contentType == "" {
		return nil, fmt.Errorf("content-type filter needs a type")
	}
	return &ContentTypeFilter{contentType: contentType}, nil
}

func (f *ContentTypeFilter) Name() string { return "content-type" }

func (f *ContentTypeFilter) Filter(ctx context.Context, oc *types.ObjectContext) error {
	if !oc.Object.Directory() {
		oc.Object.Metadata().ContentType = f.contentType
	}
	return oc.Next(ctx)
}

func (f *ContentTypeFilter) ReverseFilter(context.Context, *types.ObjectContext, *types.SyncObject) (*types.SyncObject, error) {
	return nil, types.ErrReverseUnsupported
}

var (
	_ types.Filter = (*MetadataFilter)(nil)
	_ types.Filter = (*ContentTypeFilter)(nil)
)
