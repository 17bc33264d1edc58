package staging

import (
	"context"
	"io"
	"os"
)

// Concat returns a reader over the listed files in order and their combined size. Every file is
// checked up front; each one is opened only when the reader reaches it.
func (s *Store) Concat(ctx context.Context, ids []string) (io.ReadCloser, int64, error) {
	files := make([]File, 0, len(ids))
	var total int64
	for _, id := range ids {
		file, err := s.Stat(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		files = append(files, file)
		total += file.Size
	}
	return &concatReader{store: s, files: files}, total, nil
}

type concatReader struct {
	store   *Store
	files   []File
	current *os.File
}

func (c *concatReader) Read(p []byte) (int, error) {
	for {
		if c.current == nil {
			if len(c.files) == 0 {
				return 0, io.EOF
			}
			next := c.files[0]
			c.files = c.files[1:]
			p, err := c.store.path(next.Namespace, next.ID)
			if err != nil {
				return 0, err
			}
			f, err := os.Open(p)
			if err != nil {
				return 0, err
			}
			c.current = f
		}

		n, err := c.current.Read(p)
		if err == io.EOF {
			_ = c.current.Close()
			c.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *concatReader) Close() error {
	c.files = nil
	if c.current != nil {
		err := c.current.Close()
		c.current = nil
		return err
	}
	return nil
}
