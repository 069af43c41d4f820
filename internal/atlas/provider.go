package atlas

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
)

// OpenProvider opens the bucket atlases are downloaded from. The reference is
// a gocloud bucket URL:
//
//	file:///usr/local/fsl/data/atlases
//	gs://<bucketname>
//	mem://
//
// An empty reference returns a nil bucket, meaning "cache only".
func OpenProvider(ctx context.Context, ref string) (*blob.Bucket, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	bucket, err := blob.OpenBucket(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("can't open atlas provider %q: %w", ref, err)
	}
	return bucket, nil
}
