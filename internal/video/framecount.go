package video

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

type ffprobeOutput struct {
	Streams []struct {
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// CountFrames asks ffprobe for the number of video frames in path. The
// container metadata is tried first; when it is missing (common for VFR and
// some WebM files) the packets are counted, which reads the whole file.
func CountFrames(ctx context.Context, ffprobePath, path string) (int, error) {
	if _, err := exec.LookPath(ffprobePath); err != nil {
		return 0, fmt.Errorf("ffprobe not available: %w", err)
	}

	fast := exec.CommandContext(ctx, ffprobePath, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames", "-of", "json", path)
	if out, err := fast.Output(); err == nil {
		if count, err := parseFrameCount(out, false); err == nil && count > 0 {
			return count, nil
		}
	}

	slow := exec.CommandContext(ctx, ffprobePath, "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := slow.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseFrameCount(out, true)
}

func parseFrameCount(out []byte, packets bool) (int, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(res.Streams) == 0 {
		return 0, fmt.Errorf("no video stream")
	}
	raw := res.Streams[0].NbFrames
	if packets {
		raw = res.Streams[0].NbReadPackets
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse frame count %q: %w", raw, err)
	}
	return count, nil
}
