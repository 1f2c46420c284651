package source

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StreamInfo describes one video output stream of ffmpeg.
type StreamInfo struct {
	Output int     `json:"output"`
	To     string  `json:"to"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

type ParseError struct {
	Line   string
	Reason string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("%s (line %q)", e.Reason, e.Line)
}

var dimsRe = regexp.MustCompile(`^(\d+)x(\d+)(\s|$)`)

// StreamInfoParser reads ffmpeg's stderr header line by line:
//
//	Output #0, image2pipe, to 'pipe:1':
//	  Stream #0:0: Video: rawvideo (BGR[24] / 0x18524742), bgr24, 640x480, q=2-31, 30 fps, 30 tbn
type StreamInfoParser struct {
	output   int
	to       string
	inOutput bool
}

// Push consumes one line. It returns a StreamInfo when the line completes a video output stream.
func (p *StreamInfoParser) Push(line string) (*StreamInfo, error) {
	trimmed := strings.TrimSpace(line)

	if rest, ok := strings.CutPrefix(trimmed, "Output #"); ok {
		parts := strings.SplitN(rest, ",", 3)
		num, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, ParseError{Line: line, Reason: "Output # not a number"}
		}
		p.inOutput = true
		p.output = num
		p.to = ""
		if len(parts) == 3 {
			p.to = strings.Trim(strings.TrimSuffix(strings.TrimSpace(parts[2]), ":"), "'")
			p.to = strings.Trim(strings.TrimPrefix(p.to, "to "), "'")
		}
		return nil, nil
	}

	if rest, ok := strings.CutPrefix(trimmed, "Stream #"); ok {
		if !p.inOutput {
			// input streams are logged by ffmpeg before any output
			return nil, nil
		}
		parts := strings.Split(rest, ":")
		num, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, ParseError{Line: line, Reason: "Stream # not a number"}
		}
		if num != p.output {
			return nil, ParseError{Line: line, Reason: fmt.Sprintf("Stream %d didn't match Output %d", num, p.output)}
		}

		isVideo := false
		info := StreamInfo{Output: p.output, To: p.to}
		for _, part := range parts[1:] {
			if !isVideo && strings.TrimSpace(part) == "Video" {
				isVideo = true
				continue
			}
			if !isVideo {
				continue
			}
			for _, kv := range strings.Split(part, ",") {
				kv = strings.TrimSpace(kv)
				if fps, ok := strings.CutSuffix(kv, " fps"); ok {
					v, err := strconv.ParseFloat(fps, 64)
					if err != nil {
						return nil, ParseError{Line: line, Reason: "fps not a number"}
					}
					info.FPS = v
					continue
				}
				if m := dimsRe.FindStringSubmatch(kv); m != nil && info.Width == 0 {
					info.Width, _ = strconv.Atoi(m[1])
					info.Height, _ = strconv.Atoi(m[2])
				}
			}
		}
		if !isVideo {
			return nil, nil
		}
		p.inOutput = false
		if info.Width == 0 || info.Height == 0 {
			return nil, ParseError{Line: line, Reason: "didn't find <width>x<height> in video output stream"}
		}
		return &info, nil
	}

	return nil, nil
}
