// Package importer implements the gateway's bulk-load admin operation
// (spec's "import <file>"): a line-oriented reader that synthesizes each
// record into a full storage command and submits it through the same
// dispatch path a live client's "set" uses, from either a local file or
// an S3 object.
package importer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/quasarcache/quasar/internal/dispatch"
	"github.com/quasarcache/quasar/internal/logging"
)

// Import streams records from path — a local filesystem path, or an
// "s3://bucket/key" URI — and submits each through dispatcher.Set.
// It returns the number of records successfully stored.
func Import(ctx context.Context, path string, dispatcher *dispatch.Dispatcher) (int, error) {
	r, closeFn, err := open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	return importFrom(ctx, r, dispatcher)
}

func open(ctx context.Context, path string) (io.Reader, func() error, error) {
	if strings.HasPrefix(path, "s3://") {
		return openS3(ctx, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("importer: open %s: %w", path, err)
	}
	return f, f.Close, nil
}

func openS3(ctx context.Context, uri string) (io.Reader, func() error, error) {
	rest := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, nil, fmt.Errorf("importer: malformed s3 uri %q (want s3://bucket/key)", uri)
	}
	bucket, key := parts[0], parts[1]

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("importer: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("importer: get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, out.Body.Close, nil
}

// importFrom parses "<verb> <key> <flags> <exptime>\n<data>\n" records
// from r and synthesizes each into a full storage command submitted to
// dispatcher.Set (spec §4.I).
func importFrom(ctx context.Context, r io.Reader, dispatcher *dispatch.Dispatcher) (int, error) {
	br := bufio.NewReader(r)
	count := 0
	for {
		header, err := br.ReadString('\n')
		if err == io.EOF && header == "" {
			return count, nil
		}
		header = strings.TrimRight(header, "\r\n")
		if header == "" {
			if err == io.EOF {
				return count, nil
			}
			continue
		}

		fields := strings.Fields(header)
		if len(fields) != 4 {
			return count, fmt.Errorf("importer: malformed record header %q", header)
		}
		verb, key := fields[0], fields[1]
		if verb != "set" && verb != "add" && verb != "replace" {
			return count, fmt.Errorf("importer: unsupported verb %q in record %q", verb, header)
		}
		flags, ferr := strconv.Atoi(fields[2])
		exptime, eerr := strconv.Atoi(fields[3])
		if ferr != nil || eerr != nil {
			return count, fmt.Errorf("importer: bad flags/exptime in record %q", header)
		}

		data, derr := br.ReadString('\n')
		if derr != nil && derr != io.EOF {
			return count, fmt.Errorf("importer: read data for key %q: %w", key, derr)
		}
		data = strings.TrimRight(data, "\r\n")

		it := dispatch.Item{Key: key, Flags: uint32(flags), Exptime: exptime, Data: []byte(data)}
		if _, setErr := dispatcher.Set(ctx, it); setErr != nil {
			logging.Op().Warn("importer: set failed", "key", key, "error", setErr)
			if err == io.EOF {
				return count, setErr
			}
			continue
		}
		count++

		if err == io.EOF {
			return count, nil
		}
	}
}
