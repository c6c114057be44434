package profiler

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/mallorcaeat/pipeline/internal/model"
)

// ErrMalformed is returned when the model's answer is not a usable JSON object.
var ErrMalformed = eris.New("profiler: malformed response")

var fenceRE = regexp.MustCompile("```(?:json)?\\s*")

// stripFences removes optional markdown code fences around the JSON answer.
func stripFences(text string) string {
	text = fenceRE.ReplaceAllString(text, "")
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), "`"))
}

// ParseProfile turns the model's answer into a validated profile. "None",
// null and empty values become nil; scores must be integers in 1–10.
func ParseProfile(placeID, text string) (*model.Profile, error) {
	body := stripFences(text)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, eris.Wrapf(ErrMalformed, "place %s: %v", placeID, err)
	}

	p := &model.Profile{PlaceID: placeID, RawResponse: json.RawMessage(body)}
	ptrs := p.Scores.Pointers()
	for i, name := range model.ScoreNames {
		v, err := parseScore(fields[name])
		if err != nil {
			return nil, eris.Wrapf(ErrMalformed, "place %s: %s: %v", placeID, name, err)
		}
		*ptrs[i] = v
	}

	var err error
	if p.Summary, err = parseText(fields["summary_de"]); err != nil {
		return nil, eris.Wrapf(ErrMalformed, "place %s: summary_de: %v", placeID, err)
	}
	if p.MustOrder, err = parseText(fields["must_order"]); err != nil {
		return nil, eris.Wrapf(ErrMalformed, "place %s: must_order: %v", placeID, err)
	}
	if p.Vibe, err = parseText(fields["vibe"]); err != nil {
		return nil, eris.Wrapf(ErrMalformed, "place %s: vibe: %v", placeID, err)
	}

	if err := p.Validate(); err != nil {
		return nil, eris.Wrap(err, "profiler: validate")
	}
	return p, nil
}

func isNone(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "none") || strings.EqualFold(s, "null")
}

func parseScore(raw json.RawMessage) (*int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if isNone(s) {
			return nil, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, eris.Errorf("not a number: %q", s)
		}
		return &n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f != math.Trunc(f) {
		return nil, eris.Errorf("not an integer: %v", f)
	}
	n := int(f)
	return &n, nil
}

func parseText(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if isNone(s) {
		return nil, nil
	}
	s = strings.TrimSpace(s)
	return &s, nil
}
