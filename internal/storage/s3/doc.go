/*
Package s3 implements the objectsync storage contract on an S3 bucket.

Listing is one level at a time: AllObjects and Children issue
ListObjectsV2 with a "/" delimiter, reporting common prefixes as
directories and skipping directory marker keys. Identifiers are full
object keys below the configured prefix; directory identifiers end in a
slash.

Metadata

S3 keeps its own LastModified, so the source modification time travels in
the user-metadata key objectsync-mtime and is restored on load. A
single-part ETag is reported as the object's MD5 checksum, which lets the
verifier skip reading the body when metadata checksums are trusted.
Object-lock retain-until dates map to RetentionEndTime.

Uploads

Object bodies are spooled so the request is seekable: in memory below
MultipartThreshold, in a temp file above it or when a filter changed the
length. With EnableCargoShip set, objects at or above the threshold go
through the CargoShip transporter in MultipartChunkSize parts and fall
back to PutObject if it fails.

Resilience

Every request takes a client from a bounded ConnectionPool and runs behind
a circuit.Breaker. Metadata requests are bounded by RequestTimeout; data
transfers are bounded only by the caller's context. Missing keys, denied
access and throttling are mapped onto the objectsync error taxonomy, so
not-found is permanent and throttling is retried.
*/
package s3
