// Package video turns uploaded files into decoded frames: a streaming MJPEG
// reader fed by an ffmpeg process, an ffprobe frame counter, and still-image
// decoding for templates.
package video

import (
	"bytes"
	"errors"
)

var (
	jpegSOI = []byte{0xFF, 0xD8} // Start of Image
	jpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// ErrTruncatedFrame is returned when the stream ends inside a JPEG.
var ErrTruncatedFrame = errors.New("stream ended inside a frame")

// SplitJPEG is a bufio.SplitFunc that yields one complete JPEG per token,
// skipping any bytes between images.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// drop garbage but keep a trailing 0xFF that may open the next marker
		return max(len(data)-1, 0), nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end == -1 {
		if atEOF {
			return 0, nil, ErrTruncatedFrame
		}
		return 0, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}
