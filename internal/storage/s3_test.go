package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/identkit/idagent/internal/common"
	"github.com/stretchr/testify/require"
)

// fakeS3 implements s3API over a map.
type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	v, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(v))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_PrefixedKeys(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: make(map[string][]byte)}
	s := NewS3Store(fake, "bucket", "profiles/default")

	require.NoError(t, s.Set(ctx, "vault", []byte("ciphertext")))
	require.Contains(t, fake.objects, "profiles/default/vault")

	got, err := s.Get(ctx, "vault")
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext"), got)

	require.NoError(t, s.Delete(ctx, "vault"))
	_, err = s.Get(ctx, "vault")
	require.ErrorIs(t, err, common.ErrNotFound)

	// Deleting a missing key honors the Store contract.
	require.ErrorIs(t, s.Delete(ctx, "vault"), common.ErrNotFound)
}
