package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrMalformed marks a payload that cannot be decoded or fails validation.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnknownTopic marks a topic this package has no schema for.
	ErrUnknownTopic = errors.New("unknown topic")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// NormalizeID trims and NFC-normalizes a carrier id. Empty values and the
// "None" placeholder (any case, accents ignored) become nil.
func NormalizeID(s *string) *string {
	if s == nil {
		return nil
	}
	v := norm.NFC.String(strings.TrimSpace(*s))
	if v == "" || isNoneToken(v) {
		return nil
	}
	return &v
}

func isNoneToken(s string) bool {
	var b strings.Builder
	for _, r := range norm.NFKD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.EqualFold(b.String(), "none")
}

// ParseOperation accepts Request/Return in any case.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "request":
		return OpRequest, nil
	case "return":
		return OpReturn, nil
	default:
		return "", malformed("invalid op %q (must be Request or Return)", s)
	}
}

// DecodeJobIntake decodes and validates a job.intake payload. Carrier ids are
// normalized and each category is padded to exactly two slots.
func DecodeJobIntake(data []byte) (*JobIntake, error) {
	var raw struct {
		Op     string    `json:"op"`
		GoalID string    `json:"goal_id"`
		CUHIDs []*string `json:"cuh_ids"`
		KitIDs []*string `json:"kit_ids"`
		TS     *float64  `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("job.intake: %v", err)
	}
	op, err := ParseOperation(raw.Op)
	if err != nil {
		return nil, err
	}
	if raw.TS == nil || *raw.TS <= 0 {
		return nil, malformed("job.intake: ts is required")
	}
	job := &JobIntake{
		Op:     op,
		GoalID: strings.TrimSpace(raw.GoalID),
		TS:     *raw.TS,
	}
	if job.GoalID == "" {
		return nil, malformed("job.intake: goal_id is required")
	}
	if job.CUHIDs, err = normalizePair("cuh_ids", raw.CUHIDs); err != nil {
		return nil, err
	}
	if job.KitIDs, err = normalizePair("kit_ids", raw.KitIDs); err != nil {
		return nil, err
	}
	if !anyPresent(job.CUHIDs) && !anyPresent(job.KitIDs) {
		return nil, malformed("job.intake: at least one carrier id is required")
	}
	return job, nil
}

func normalizePair(field string, ids []*string) ([]*string, error) {
	if len(ids) > 2 {
		return nil, malformed("job.intake: %s holds at most 2 ids (got %d)", field, len(ids))
	}
	out := make([]*string, 2)
	for i, id := range ids {
		out[i] = NormalizeID(id)
	}
	return out, nil
}

func anyPresent(ids []*string) bool {
	for _, id := range ids {
		if id != nil {
			return true
		}
	}
	return false
}

// ParseLegacyIntake converts the front end's positional form
// [OP, CUH1, CUH2, MXK1, MXK2, DOT] into a JobIntake stamped with now.
func ParseLegacyIntake(data []byte, now time.Time) (*JobIntake, error) {
	var fields []*string
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, malformed("legacy intake: %v", err)
	}
	if len(fields) != 6 {
		return nil, malformed("legacy intake: expected 6 fields [OP, CUH1, CUH2, MXK1, MXK2, DOT], got %d", len(fields))
	}
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	body, err := json.Marshal(JobIntake{
		Op:     Operation(str(fields[0])),
		GoalID: str(NormalizeID(fields[5])),
		CUHIDs: []*string{fields[1], fields[2]},
		KitIDs: []*string{fields[3], fields[4]},
		TS:     Stamp(now),
	})
	if err != nil {
		return nil, err
	}
	return DecodeJobIntake(body)
}

// DecodeMatchResult decodes a match.result payload. The legacy form, which
// carries goal_id and op only inside latest_job_ids and reports matched as
// {"cuh_id":..,"kit_id":..}, is accepted too.
func DecodeMatchResult(data []byte) (*MatchResult, error) {
	var raw struct {
		MatchResult
		Complete *bool           `json:"complete"`
		Seen     json.RawMessage `json:"seen"`
		Latest   *struct {
			GoalID string `json:"goal_id"`
			Op     string `json:"op"`
		} `json:"latest_job_ids"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("match.result: %v", err)
	}
	m := raw.MatchResult
	seen, err := decodeSeen(raw.Seen)
	if err != nil {
		return nil, err
	}
	m.Seen = seen
	if strings.TrimSpace(m.GoalID) == "" && raw.Latest != nil {
		m.GoalID = raw.Latest.GoalID
		if m.Op == "" {
			m.Op = Operation(raw.Latest.Op)
		}
		if err := legacyMatched(data, &m); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(m.GoalID) == "" {
		return nil, malformed("match.result: goal_id is required")
	}
	if raw.Complete == nil {
		return nil, malformed("match.result: complete is required")
	}
	m.GoalID = strings.TrimSpace(m.GoalID)
	m.Complete = *raw.Complete
	if m.Op != "" {
		op, err := ParseOperation(string(m.Op))
		if err != nil {
			return nil, err
		}
		m.Op = op
	}
	return &m, nil
}

// decodeSeen accepts a list or a single id (possibly null) per category.
func decodeSeen(data json.RawMessage) (map[string][]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, malformed("match.result: seen: %v", err)
	}
	out := make(map[string][]string, len(entries))
	for k, v := range entries {
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			out[k] = list
			continue
		}
		var one *string
		if err := json.Unmarshal(v, &one); err != nil {
			return nil, malformed("match.result: seen.%s: %v", k, err)
		}
		if one != nil {
			out[k] = []string{*one}
		} else {
			out[k] = nil
		}
	}
	return out, nil
}

func legacyMatched(data []byte, m *MatchResult) error {
	var legacy struct {
		Matched struct {
			CUH *bool `json:"cuh_id"`
			Kit *bool `json:"kit_id"`
		} `json:"matched"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return malformed("match.result: %v", err)
	}
	if legacy.Matched.CUH != nil {
		m.Matched.CUH = *legacy.Matched.CUH
	}
	if legacy.Matched.Kit != nil {
		m.Matched.Kit = *legacy.Matched.Kit
	}
	return nil
}

// DecodePhotoReading decodes a sensor.photo payload. Besides the flat form
// {"name":..,"state":0|1} it accepts the driver's nested form
// {"sensor":"photo","value":{"name":..,"state":..}}. Any non-zero state is
// treated as clear.
func DecodePhotoReading(data []byte) (*PhotoReading, error) {
	type reading struct {
		Name  string `json:"name"`
		State *int   `json:"state"`
	}
	var raw struct {
		reading
		Sensor string   `json:"sensor"`
		Value  *reading `json:"value"`
		TS     float64  `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("sensor.photo: %v", err)
	}
	r := raw.reading
	if raw.Value != nil {
		if raw.Sensor != "" && raw.Sensor != "photo" {
			return nil, malformed("sensor.photo: unexpected sensor kind %q", raw.Sensor)
		}
		r = *raw.Value
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return nil, malformed("sensor.photo: name is required")
	}
	if r.State == nil {
		return nil, malformed("sensor.photo: state is required")
	}
	state := 0
	if *r.State != 0 {
		state = 1
	}
	return &PhotoReading{Name: name, State: state, TS: raw.TS}, nil
}

// DecodeDriverStatus decodes a driver.status payload.
func DecodeDriverStatus(data []byte) (*DriverStatus, error) {
	var s DriverStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, malformed("driver.status: %v", err)
	}
	if strings.TrimSpace(s.Line) == "" {
		return nil, malformed("driver.status: line is required")
	}
	return &s, nil
}

// DecodeDriverConnected decodes a driver.connected payload.
func DecodeDriverConnected(data []byte) (*DriverConnected, error) {
	var raw struct {
		Connected *bool   `json:"connected"`
		TS        float64 `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("driver.connected: %v", err)
	}
	if raw.Connected == nil {
		return nil, malformed("driver.connected: connected is required")
	}
	return &DriverConnected{Connected: *raw.Connected, TS: raw.TS}, nil
}

// DecodeDispatchTrigger decodes a dispatch.trigger payload.
func DecodeDispatchTrigger(data []byte) (*DispatchTrigger, error) {
	var d DispatchTrigger
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, malformed("dispatch.trigger: %v", err)
	}
	op, err := ParseOperation(string(d.Op))
	if err != nil {
		return nil, err
	}
	d.Op = op
	if d.JobID == "" || d.GoalID == "" {
		return nil, malformed("dispatch.trigger: job_id and goal_id are required")
	}
	if d.Waypoint == "" {
		d.Waypoint = d.GoalID
	}
	return &d, nil
}

// DecodeDispatchRelease decodes a dispatch.release payload.
func DecodeDispatchRelease(data []byte) (*DispatchRelease, error) {
	var d DispatchRelease
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, malformed("dispatch.release: %v", err)
	}
	if d.JobID == "" {
		return nil, malformed("dispatch.release: job_id is required")
	}
	return &d, nil
}

// DecodeDispatchResult decodes a dispatch.result payload.
func DecodeDispatchResult(data []byte) (*DispatchResult, error) {
	var d DispatchResult
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, malformed("dispatch.result: %v", err)
	}
	if d.JobID == "" {
		return nil, malformed("dispatch.result: job_id is required")
	}
	switch d.Status {
	case ResultOK, ResultFailed, ResultBusy:
	default:
		return nil, malformed("dispatch.result: invalid status %q", d.Status)
	}
	return &d, nil
}

// DecodeIndicatorCommand decodes a led.cmd payload.
func DecodeIndicatorCommand(data []byte) (*IndicatorCommand, error) {
	var c IndicatorCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, malformed("led.cmd: %v", err)
	}
	if c.Target == "" {
		return nil, malformed("led.cmd: target is required")
	}
	switch c.Result {
	case IndicatorOK, IndicatorNOK, IndicatorSkip:
	default:
		return nil, malformed("led.cmd: invalid result %q", c.Result)
	}
	return &c, nil
}

// Validate checks that data is a well-formed payload for topic. It is used
// at the process edge before anything reaches the bus.
func Validate(topic string, data []byte) error {
	var err error
	switch topic {
	case TopicJobIntake:
		_, err = DecodeJobIntake(data)
	case TopicMatchResult:
		_, err = DecodeMatchResult(data)
	case TopicSensorPhoto:
		_, err = DecodePhotoReading(data)
	case TopicDriverStatus:
		_, err = DecodeDriverStatus(data)
	case TopicDriverConnected:
		_, err = DecodeDriverConnected(data)
	case TopicDispatchTrigger:
		_, err = DecodeDispatchTrigger(data)
	case TopicDispatchRelease:
		_, err = DecodeDispatchRelease(data)
	case TopicDispatchResult:
		_, err = DecodeDispatchResult(data)
	case TopicIndicator:
		_, err = DecodeIndicatorCommand(data)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return err
}

// IsExternalTopic reports whether outside collaborators (intake front end,
// matcher, sensor drivers) may publish on topic. Dispatch and driver topics
// are produced only inside the process.
func IsExternalTopic(topic string) bool {
	switch topic {
	case TopicJobIntake, TopicMatchResult, TopicSensorPhoto:
		return true
	}
	return false
}

// IsKnownTopic reports whether Validate has a schema for topic.
func IsKnownTopic(topic string) bool {
	switch topic {
	case TopicJobIntake, TopicMatchResult, TopicSensorPhoto,
		TopicDriverStatus, TopicDriverConnected,
		TopicDispatchTrigger, TopicDispatchRelease, TopicDispatchResult,
		TopicIndicator:
		return true
	}
	return false
}
