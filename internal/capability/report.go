package capability

import "time"

// Report aggregates one dispatch.
type Report struct {
	Considered  int           `json:"considered"`
	Invocations []Invocation  `json:"invocations"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Succeeded returns the successful invocations in dispatch order.
func (r Report) Succeeded() []Invocation {
	var out []Invocation
	for _, inv := range r.Invocations {
		if inv.Succeeded() {
			out = append(out, inv)
		}
	}
	return out
}

// Failed returns the failed invocations in dispatch order.
func (r Report) Failed() []Invocation {
	var out []Invocation
	for _, inv := range r.Invocations {
		if !inv.Succeeded() {
			out = append(out, inv)
		}
	}
	return out
}

// Find returns the first successful invocation of id.
func (r Report) Find(id string) (Invocation, bool) {
	for _, inv := range r.Invocations {
		if inv.CapabilityID == id && inv.Succeeded() {
			return inv, true
		}
	}
	return Invocation{}, false
}

// Summary is the compact form carried in response metadata.
type Summary struct {
	Considered int      `json:"considered"`
	Dispatched int      `json:"dispatched"`
	Succeeded  []string `json:"succeeded"`
	Failed     []string `json:"failed"`
	ElapsedMs  int64    `json:"elapsed_ms"`
}

// Summary condenses the report.
func (r Report) Summary() Summary {
	s := Summary{
		Considered: r.Considered,
		Dispatched: len(r.Invocations),
		Succeeded:  []string{},
		Failed:     []string{},
		ElapsedMs:  r.Elapsed.Milliseconds(),
	}
	for _, inv := range r.Invocations {
		if inv.Succeeded() {
			s.Succeeded = append(s.Succeeded, inv.CapabilityID)
		} else {
			s.Failed = append(s.Failed, inv.CapabilityID)
		}
	}
	return s
}
