package call

import (
	"strings"

	"github.com/pion/sdp/v3"
)

const directionInactive = "inactive"

var directionAttributes = map[string]bool{
	"sendrecv": true,
	"sendonly": true,
	"recvonly": true,
	"inactive": true,
}

// parseSDP parses body, tolerating a missing final line break.
func parseSDP(body string) (*sdp.SessionDescription, error) {
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\r\n"
	}
	desc := &sdp.SessionDescription{}
	if err := desc.UnmarshalString(body); err != nil {
		return nil, err
	}
	return desc, nil
}

// MediaDirection returns the direction attribute of the first media block
// of body, or "sendrecv" when none is set. It returns "" when body has no
// media.
func MediaDirection(body string) string {
	desc, err := parseSDP(body)
	if err != nil {
		return scanDirection(body)
	}
	if len(desc.MediaDescriptions) == 0 {
		return ""
	}
	for _, attr := range desc.MediaDescriptions[0].Attributes {
		if directionAttributes[attr.Key] {
			return attr.Key
		}
	}
	for _, attr := range desc.Attributes {
		if directionAttributes[attr.Key] {
			return attr.Key
		}
	}
	return "sendrecv"
}

// HarmonizeDirection keeps a hold from being undone by the relay: when the
// first media block of offer is inactive, the first media block of answer
// is forced to inactive. Otherwise, or when answer has no media, answer is
// returned unchanged.
func HarmonizeDirection(offer, answer string) string {
	if MediaDirection(offer) != directionInactive {
		return answer
	}

	desc, err := parseSDP(answer)
	if err != nil {
		return forceInactive(answer)
	}
	if len(desc.MediaDescriptions) == 0 {
		return answer
	}

	media := desc.MediaDescriptions[0]
	attrs := make([]sdp.Attribute, 0, len(media.Attributes)+1)
	for _, attr := range media.Attributes {
		if !directionAttributes[attr.Key] {
			attrs = append(attrs, attr)
		}
	}
	media.Attributes = append(attrs, sdp.NewPropertyAttribute(directionInactive))

	out, err := desc.Marshal()
	if err != nil {
		return forceInactive(answer)
	}
	return string(out)
}

// sdpLines splits body into lines and reports the line break it uses.
func sdpLines(body string) ([]string, string) {
	eol := "\n"
	if strings.Contains(body, "\r\n") {
		eol = "\r\n"
	}
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines, eol
}

// firstMediaBlock returns the line range [start, end) of the first m=
// block, or start == -1 when there is none.
func firstMediaBlock(lines []string) (int, int) {
	start := -1
	for i, line := range lines {
		if !strings.HasPrefix(line, "m=") {
			continue
		}
		if start >= 0 {
			return start, i
		}
		start = i
	}
	return start, len(lines)
}

// scanDirection is MediaDirection for bodies the parser rejects.
func scanDirection(body string) string {
	lines, _ := sdpLines(body)
	start, end := firstMediaBlock(lines)
	if start < 0 {
		return ""
	}
	for _, line := range lines[start+1 : end] {
		if dir := strings.TrimPrefix(line, "a="); dir != line && directionAttributes[dir] {
			return dir
		}
	}
	for _, line := range lines[:start] {
		if dir := strings.TrimPrefix(line, "a="); dir != line && directionAttributes[dir] {
			return dir
		}
	}
	return "sendrecv"
}

// forceInactive rewrites the first m= block of body line by line.
func forceInactive(body string) string {
	lines, eol := sdpLines(body)
	start, end := firstMediaBlock(lines)
	if start < 0 {
		return body
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:start+1]...)
	for _, line := range lines[start+1 : end] {
		if dir := strings.TrimPrefix(line, "a="); dir != line && directionAttributes[dir] {
			continue
		}
		out = append(out, line)
	}
	out = append(out, "a="+directionInactive)
	out = append(out, lines[end:]...)
	return strings.Join(out, eol) + eol
}
