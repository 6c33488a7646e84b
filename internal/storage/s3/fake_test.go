package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

type fakeObject struct {
	data []byte
	etag string
}

// fakeS3 is an in-memory API with per-operation fault injection.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]*fakeObject
	uploads  map[string]map[int32][]byte
	version  int
	faults   map[string][]error
	calls    map[string]int
	lastGet  *s3.GetObjectInput
	lastType string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string]*fakeObject),
		uploads: make(map[string]map[int32][]byte),
		faults:  make(map[string][]error),
		calls:   make(map[string]int),
	}
}

// fail queues errs to be returned by the next calls of op.
func (f *fakeS3) fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], errs...)
}

func (f *fakeS3) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeS3) enter(op string) error {
	f.calls[op]++
	if q := f.faults[op]; len(q) > 0 {
		f.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeS3) store(key string, data []byte) *fakeObject {
	f.version++
	obj := &fakeObject{data: data, etag: strconv.Quote(fmt.Sprintf("etag-%d", f.version))}
	f.objects[key] = obj
	return obj
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadObject"); err != nil {
		return nil, err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGet = in
	if err := f.enter("GetObject"); err != nil {
		return nil, err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	if in.IfMatch != nil && aws.ToString(in.IfMatch) != obj.etag {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}

	data := obj.data
	if in.Range != nil {
		spec := strings.TrimPrefix(aws.ToString(in.Range), "bytes=")
		lo, hi, _ := strings.Cut(spec, "-")
		first, _ := strconv.ParseInt(lo, 10, 64)
		last, _ := strconv.ParseInt(hi, 10, 64)
		if first >= int64(len(data)) {
			return nil, &smithy.GenericAPIError{Code: "InvalidRange"}
		}
		data = data[first:min(last+1, int64(len(data)))]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(obj.etag),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutObject"); err != nil {
		return nil, err
	}
	f.lastType = aws.ToString(in.ContentType)
	obj := f.store(aws.ToString(in.Key), data)
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObject"); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	f.uploads[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UploadPart"); err != nil {
		return nil, err
	}
	parts, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &s3types.NoSuchUpload{}
	}
	n := aws.ToInt32(in.PartNumber)
	parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"part-%d"`, n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	parts, ok := f.uploads[id]
	if !ok {
		return nil, &s3types.NoSuchUpload{}
	}
	numbers := make([]int, 0, len(in.MultipartUpload.Parts))
	for _, p := range in.MultipartUpload.Parts {
		numbers = append(numbers, int(aws.ToInt32(p.PartNumber)))
	}
	sort.Ints(numbers)
	var buf bytes.Buffer
	for _, n := range numbers {
		data, ok := parts[int32(n)]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart"}
		}
		buf.Write(data)
	}
	delete(f.uploads, id)
	f.store(aws.ToString(in.Key), buf.Bytes())
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, &s3types.NoSuchUpload{}
	}
	delete(f.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) openUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}
