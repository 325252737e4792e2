package s3

import (
	"fmt"
	"strings"
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"

	"github.com/objectfs/objectsync/internal/circuit"
	"github.com/objectfs/objectsync/pkg/errors"
)

// Storage classes accepted in configuration.
const (
	ClassStandard           = "STANDARD"
	ClassStandardIA         = "STANDARD_IA"
	ClassOneZoneIA          = "ONEZONE_IA"
	ClassIntelligentTiering = "INTELLIGENT_TIERING"
	ClassGlacierIR          = "GLACIER_IR"
	ClassGlacier            = "GLACIER"
	ClassDeepArchive        = "DEEP_ARCHIVE"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket string `yaml:"bucket" env:"BUCKET"`
	// Prefix roots the backend below a key prefix inside the bucket.
	Prefix string `yaml:"prefix" env:"PREFIX"`

	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	SessionToken    string `yaml:"session_token" env:"SESSION_TOKEN"`
	ForcePathStyle  bool   `yaml:"force_path_style" env:"FORCE_PATH_STYLE"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	PoolSize       int           `yaml:"pool_size" env:"POOL_SIZE"`

	// Advanced settings
	UseAccelerate bool `yaml:"use_accelerate" env:"USE_ACCELERATE"`
	UseDualStack  bool `yaml:"use_dual_stack" env:"USE_DUAL_STACK"`

	StorageClass string `yaml:"storage_class" env:"STORAGE_CLASS"`

	// Objects at or above MultipartThreshold go through the CargoShip
	// transporter when it is enabled.
	EnableCargoShip    bool  `yaml:"enable_cargoship" env:"ENABLE_CARGOSHIP"`
	MultipartThreshold int64 `yaml:"multipart_threshold" env:"MULTIPART_THRESHOLD"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size" env:"MULTIPART_CHUNK_SIZE"`

	Breaker circuit.Config `yaml:"circuit_breaker" envPrefix:"BREAKER_"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:             "us-east-1",
		MaxRetries:         3,
		RequestTimeout:     30 * time.Second,
		PoolSize:           8,
		StorageClass:       ClassStandard,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Breaker:            circuit.DefaultConfig(),
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.NewConfigurationError("s3 storage requires a bucket")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.NewError(errors.ErrCodeCredentialsMissing, "access_key_id and secret_access_key must be set together")
	}
	if c.StorageClass != "" {
		if _, ok := storageClasses[strings.ToUpper(c.StorageClass)]; !ok {
			return errors.NewConfigurationError(fmt.Sprintf("unknown storage class %q", c.StorageClass))
		}
	}
	if c.MultipartChunkSize < 0 || c.MultipartThreshold < 0 {
		return errors.NewConfigurationError("multipart sizes must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := NewDefaultConfig()
	if c.Region == "" {
		c.Region = def.Region
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MultipartThreshold == 0 {
		c.MultipartThreshold = def.MultipartThreshold
	}
	if c.MultipartChunkSize == 0 {
		c.MultipartChunkSize = def.MultipartChunkSize
	}
	if c.StorageClass == "" {
		c.StorageClass = def.StorageClass
	}
	c.StorageClass = strings.ToUpper(c.StorageClass)
}

type storageClass struct {
	sdk       s3types.StorageClass
	cargoship awsconfig.StorageClass
}

// CargoShip has no instant-retrieval Glacier class; GLACIER_IR uploads
// through it land in GLACIER.
var storageClasses = map[string]storageClass{
	ClassStandard:           {s3types.StorageClassStandard, awsconfig.StorageClassStandard},
	ClassStandardIA:         {s3types.StorageClassStandardIa, awsconfig.StorageClassStandardIA},
	ClassOneZoneIA:          {s3types.StorageClassOnezoneIa, awsconfig.StorageClassOneZoneIA},
	ClassIntelligentTiering: {s3types.StorageClassIntelligentTiering, awsconfig.StorageClassIntelligentTiering},
	ClassGlacierIR:          {s3types.StorageClassGlacierIr, awsconfig.StorageClassGlacier},
	ClassGlacier:            {s3types.StorageClassGlacier, awsconfig.StorageClassGlacier},
	ClassDeepArchive:        {s3types.StorageClassDeepArchive, awsconfig.StorageClassDeepArchive},
}

func lookupStorageClass(name string) storageClass {
	if c, ok := storageClasses[strings.ToUpper(name)]; ok {
		return c
	}
	return storageClasses[ClassStandard]
}
