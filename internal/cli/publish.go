package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/roach88/simharness/internal/aggregate"
	"github.com/roach88/simharness/internal/objectstore"
)

const csvContentType = "text/csv"

// publishOptions says where a dataset goes. Out "-" means stdout.
type publishOptions struct {
	Out    string
	Upload string

	// Getenv reads object store credentials. Default os.Getenv.
	Getenv func(string) string
}

// uploadTarget parses the upload flag so a bad URL fails before any work
// is done. It returns nil when no upload was requested.
func (p *publishOptions) uploadTarget() (*objectstore.Target, error) {
	if p.Upload == "" {
		return nil, nil
	}
	t, err := objectstore.ParseTarget(p.Upload)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *publishOptions) uploader() (*objectstore.Uploader, error) {
	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg, err := objectstore.ConfigFromEnv(getenv)
	if err != nil {
		return nil, err
	}
	return objectstore.NewUploader(cfg)
}

// publish writes ds as CSV to the output file and uploads it. The object
// key defaults to name when the target has no key or ends in "/".
func (p *publishOptions) publish(ctx context.Context, ds *aggregate.Dataset, name string, stdout io.Writer) (*objectstore.Target, error) {
	switch p.Out {
	case "":
	case "-":
		if err := ds.WriteCSV(stdout); err != nil {
			return nil, fmt.Errorf("write csv: %w", err)
		}
	default:
		if err := writeCSVFile(p.Out, ds); err != nil {
			return nil, err
		}
	}

	target, err := p.uploadTarget()
	if err != nil || target == nil {
		return nil, err
	}
	t := target.WithDefaultName(name)

	up, err := p.uploader()
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	if p.Out != "" && p.Out != "-" {
		if _, err := up.UploadFile(ctx, t, p.Out, csvContentType); err != nil {
			return nil, err
		}
		return &t, nil
	}

	var buf bytes.Buffer
	if err := ds.WriteCSV(&buf); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	if err := up.EnsureBucket(ctx, t.Bucket); err != nil {
		return nil, err
	}
	if _, err := up.Put(ctx, t, &buf, int64(buf.Len()), csvContentType); err != nil {
		return nil, err
	}
	return &t, nil
}

func writeCSVFile(path string, ds *aggregate.Dataset) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	if err := ds.WriteCSV(f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
