// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package domainstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3RequestTimeout limita cada operação remota.
const s3RequestTimeout = 30 * time.Second

// s3API é o recorte do client S3 usado pelo store. Permite mock nos testes.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config configura o backend remoto.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string // opcional: credenciais estáticas
	SecretKey string
}

// S3Store persiste objetos de domínio num bucket S3, espelhando o layout do
// FileStore: {prefix}/state/{version}/{obj_id}/{class_id}.
type S3Store struct {
	api    s3API
	bucket string
	prefix string
}

// NewS3Store resolve as credenciais e cria o store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("domainstorage: s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &S3Store{
		api:    s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// newS3StoreWithAPI injeta um client pronto (testes).
func newS3StoreWithAPI(api s3API, bucket, prefix string) *S3Store {
	return &S3Store{api: api, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(q Query) string {
	return path.Join(s.prefix, "state",
		strconv.Itoa(int(q.Version)),
		q.ID.String(),
		strconv.FormatUint(uint64(q.ClassID), 10),
	)
}

// Save implementa Store.
func (s *S3Store) Save(q Query, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(q)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", q.ID, err)
	}
	return nil
}

// Load implementa Store.
func (s *S3Store) Load(q Query) ([]byte, LoadResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(q)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, LoadEmpty, nil
		}
		return nil, LoadEmpty, fmt.Errorf("getting object %s: %w", q.ID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, LoadEmpty, fmt.Errorf("reading object body %s: %w", q.ID, err)
	}
	return data, LoadLoaded, nil
}

// Enumerate implementa Store: lista as chaves do objeto em todas as versões.
func (s *S3Store) Enumerate(id ObjID) ([]uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	seen := make(map[uint32]bool)
	root := path.Join(s.prefix, "state") + "/"

	var continuation *string
	for {
		out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(root),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			// {root}{version}/{obj_id}/{class_id}
			parts := strings.Split(strings.TrimPrefix(key, root), "/")
			if len(parts) != 3 || parts[1] != id.String() {
				continue
			}
			classID, err := strconv.ParseUint(parts[2], 10, 32)
			if err != nil {
				continue
			}
			seen[uint32(classID)] = true
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}

	list := make([]uint32, 0, len(seen))
	for classID := range seen {
		list = append(list, classID)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list, nil
}

// Remove implementa Store: apaga todas as chaves do objeto.
func (s *S3Store) Remove(id ObjID) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	root := path.Join(s.prefix, "state") + "/"
	var continuation *string
	for {
		out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(root),
			ContinuationToken: continuation,
		})
		if err != nil {
			return fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			parts := strings.Split(strings.TrimPrefix(key, root), "/")
			if len(parts) != 3 || parts[1] != id.String() {
				continue
			}
			if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			}); err != nil {
				return fmt.Errorf("deleting object key %s: %w", key, err)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return nil
}
