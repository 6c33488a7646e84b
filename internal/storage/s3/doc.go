/*
Package s3 implements the storage backend for Amazon S3 and S3-compatible
services on top of aws-sdk-go-v2.

An object is addressed as s3://bucket/key. The backend serves one bucket;
the filesystem registry builds one backend per bucket on first use.

# Reads

Source issues a HeadObject and returns a ByteSource pinned to the ETag it
saw. FetchRange translates to a ranged GetObject ("bytes=first-last") with
If-Match set to that ETag, so a replaced object fails the read with
CONCURRENT_MODIFICATION rather than returning bytes from two versions.
VersionToken performs a fresh HeadObject.

Capabilities reports Sequential, so block fetchers coalesce adjacent blocks
into one request.

# Writes

PutObject stores whole objects. Multipart uploads go through
CreateMultipart, UploadPart, CompleteMultipart and AbortMultipart; their
progress is tracked by a MultipartStateManager so uploads left behind by a
failed writer can be listed with PendingUploads.

# Failure handling

Every SDK call runs inside the retry policy (pkg/retry) and, when enabled,
a circuit breaker (internal/circuit). SDK errors are translated before the
retry policy inspects them:

	NoSuchKey, NotFound, 404       NOT_FOUND
	AccessDenied, 401, 403         PERMISSION_DENIED
	PreconditionFailed, 412        CONCURRENT_MODIFICATION
	InvalidRange, 416              OUT_OF_RANGE
	SlowDown, 5xx, 429             SOURCE_UNAVAILABLE (retried)

The SDK's own retryer is limited to one attempt so retries are counted once.

# Usage

	backend, err := s3.NewBackend(ctx, "my-bucket", &s3.Config{
		Region:         "us-west-2",
		Endpoint:       "http://localhost:9000",
		ForcePathStyle: true,
	}, logger)
	if err != nil {
		return err
	}
	f, err := file.Open(ctx, backend, "data/part-0001.parquet", file.ModeRead, file.Options{})
*/
package s3
