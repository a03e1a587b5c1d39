package video

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
)

const megabyte = 1024 * 1024

// Stream decodes a concatenation of JPEG images, one frame per Next call.
// Only the current frame is held in memory.
type Stream struct {
	scanner *bufio.Scanner
	index   int
}

// NewStream wraps r, typically ffmpeg's image2pipe output.
func NewStream(r io.Reader) *Stream {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, megabyte), 64*megabyte)
	s.Split(SplitJPEG)
	return &Stream{scanner: s}
}

// Next returns the next decoded frame, or io.EOF after the last one.
func (s *Stream) Next() (image.Image, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read frame %d: %w", s.index, err)
		}
		return nil, io.EOF
	}
	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", s.index, err)
	}
	s.index++
	return img, nil
}
