/*
Package s3 provides the S3 storage backend for stored files, with optional CargoShip-optimized
uploads.

# Architecture Overview

	┌──────────────────────────────────────────────┐
	│        extension.StorageProvider              │
	│   Has · Store · Retrieve · Remove · Sweep     │
	└──────────────────────────────────────────────┘
	                      │
	┌──────────────────────────────────────────────┐
	│  CargoShip Transporter  │  s3 upload manager │
	│  (seekable bodies)      │  (any stream)      │
	└──────────────────────────────────────────────┘
	                      │
	┌──────────────────────────────────────────────┐
	│                AWS S3 / compatible            │
	└──────────────────────────────────────────────┘

Every stored file gets a fresh UUID; its object key is KeyPrefix + id. Reassembled chunked
uploads arrive as a non-seekable stream and always use the upload manager, which streams them
as a multipart upload. Single-request uploads are seekable and try CargoShip first when
OptimizedUpload is set, rewinding and falling back to the upload manager on failure.

# Retention

When FileExpiry is set, Sweep lists the key prefix and deletes every object whose LastModified
is at or before now minus FileExpiry. Stored files may carry a presigned GET URL valid for the
same period.

# Usage Example

	storage, err := s3.New(ctx, "s3", s3.Config{
		Bucket:     "vault-files",
		Region:     "eu-central-1",
		FileExpiry: time.Hour,
	}, logger)
	if err != nil {
		return err
	}
	info, err := storage.Store(ctx, body, size)

# Error Handling

SDK errors are translated to coded errors: a missing key becomes UNKNOWN_FILE, everything else
STORAGE_READ or STORAGE_WRITE with the AWS error code in the error context.
*/
package s3
