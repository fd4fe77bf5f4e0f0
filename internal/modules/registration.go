package modules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ModuleRegistration   = "registration"
	registrationCacheTTL = 5 * time.Second

	SourceTelephonyRegistry = "telephony.registry"
	SourceDumpsysPhone      = "dumpsys.phone"
	SourceProperties        = "getprop"
)

var sourceConfidence = map[string]float64{
	SourceTelephonyRegistry: 0.9,
	SourceDumpsysPhone:      0.7,
	SourceProperties:        0.5,
}

// Registration is the merged view of network registration for one SIM slot.
type Registration struct {
	VoiceState  string
	DataState   string
	Operator    string
	Numeric     string
	NetworkType string
	Roaming     string
}

func (r Registration) empty() bool {
	return r == Registration{}
}

// complete reports every field populated.
func (r Registration) complete() bool {
	return r.VoiceState != "" && r.DataState != "" && r.Operator != "" &&
		r.Numeric != "" && r.NetworkType != "" && r.Roaming != ""
}

// merge fills empty fields of r from other.
func (r *Registration) merge(other Registration) {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&r.VoiceState, other.VoiceState)
	fill(&r.DataState, other.DataState)
	fill(&r.Operator, other.Operator)
	fill(&r.Numeric, other.Numeric)
	fill(&r.NetworkType, other.NetworkType)
	fill(&r.Roaming, other.Roaming)
}

// Registered reports voice or data in service.
func (r Registration) Registered() bool {
	return r.VoiceState == "IN_SERVICE" || r.DataState == "IN_SERVICE"
}

var (
	voiceRegPattern  = regexp.MustCompile(`mVoiceRegState\s*=\s*(\d+)`)
	dataRegPattern   = regexp.MustCompile(`mDataRegState\s*=\s*(\d+)`)
	operatorPattern  = regexp.MustCompile(`mOperatorAlphaLong\s*=\s*([^,\]}\n]*)`)
	numericPattern   = regexp.MustCompile(`mOperatorNumeric\s*=\s*(\d{5,6})`)
	ratPattern       = regexp.MustCompile(`(?:getRilDataRadioTechnology|getRilVoiceRadioTechnology)\s*=\s*\d+\(([A-Za-z0-9_+-]+)\)`)
	accessNetPattern = regexp.MustCompile(`accessNetworkTechnology\s*=\s*([A-Z][A-Z0-9_]*)`)
	roamingPattern   = regexp.MustCompile(`(?:mVoiceRoaming|VoiceRoaming|mRoaming)\s*=\s*(true|false)`)
	phoneIDPattern   = regexp.MustCompile(`Phone Id\s*=\s*(\d+)`)
)

var regStateNames = map[string]string{
	"0": "IN_SERVICE",
	"1": "OUT_OF_SERVICE",
	"2": "EMERGENCY_ONLY",
	"3": "POWER_OFF",
}

// ParseServiceState extracts registration fields from a ServiceState dump.
func ParseServiceState(out string) Registration {
	var reg Registration
	if m := voiceRegPattern.FindStringSubmatch(out); m != nil {
		reg.VoiceState = regStateNames[m[1]]
	}
	if m := dataRegPattern.FindStringSubmatch(out); m != nil {
		reg.DataState = regStateNames[m[1]]
	}
	if m := operatorPattern.FindStringSubmatch(out); m != nil {
		v := strings.TrimSpace(m[1])
		if v != "null" {
			reg.Operator = v
		}
	}
	if m := numericPattern.FindStringSubmatch(out); m != nil {
		reg.Numeric = m[1]
	}
	if m := ratPattern.FindStringSubmatch(out); m != nil && m[1] != "Unknown" {
		reg.NetworkType = strings.ToUpper(m[1])
	} else if m := accessNetPattern.FindStringSubmatch(out); m != nil && m[1] != "UNKNOWN" {
		reg.NetworkType = m[1]
	}
	if m := roamingPattern.FindStringSubmatch(out); m != nil {
		reg.Roaming = m[1]
	}
	return reg
}

// sectionForSlot narrows a multi-SIM dump to the block for slot. Dumps with no
// per-phone sections are returned whole.
func sectionForSlot(out string, slot int) string {
	locs := phoneIDPattern.FindAllStringSubmatchIndex(out, -1)
	if len(locs) == 0 {
		return out
	}
	for i, loc := range locs {
		id, _ := strconv.Atoi(out[loc[2]:loc[3]])
		if id != slot {
			continue
		}
		end := len(out)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		return out[loc[0]:end]
	}
	return ""
}

// propertyForSlot picks the slot's element of a comma-separated dual-SIM property.
func propertyForSlot(value string, slot int) string {
	parts := strings.Split(strings.TrimSpace(value), ",")
	if slot < len(parts) {
		return strings.TrimSpace(parts[slot])
	}
	return ""
}

func permissionDenied(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "permission denial") || strings.Contains(lower, "not allowed")
}

type registrationCache struct {
	at   time.Time
	reg  Registration
	srcs []string
	conf float64
}

type registrationModule struct {
	mu    sync.Mutex
	cache map[string]registrationCache
}

func newRegistrationModule() *registrationModule {
	return &registrationModule{cache: make(map[string]registrationCache)}
}

func (m *registrationModule) Metadata() Metadata {
	return Metadata{
		ID:          ModuleRegistration,
		Name:        "Network registration",
		Description: "Report voice/data registration, operator and RAT from layered sources",
		Params: []ParamSpec{
			{Name: "sim_slot", Type: "int", Default: 0},
		},
	}
}

func (m *registrationModule) Run(ctx context.Context, env Env, deviceID string, p Params) Result {
	slot, err := p.Int("sim_slot", 0)
	if err != nil {
		return InputFailure(ModuleRegistration, err.Error())
	}
	if slot < 0 || slot > 3 {
		return InputFailure(ModuleRegistration, fmt.Sprintf("sim_slot %d out of range", slot))
	}

	key := fmt.Sprintf("%s|%d", deviceID, slot)
	now := env.clk().Now()
	m.mu.Lock()
	hit, ok := m.cache[key]
	m.mu.Unlock()
	if ok && now.Sub(hit.at) < registrationCacheTTL {
		res := registrationResult(slot, hit.reg, hit.srcs, hit.conf)
		res.Set("cached", true)
		return res
	}

	var merged Registration
	var sources []string
	var denied []string
	read := func(source string) bool {
		reg, state := readRegistrationSource(ctx, env, deviceID, source, slot)
		switch state {
		case "denied":
			denied = append(denied, source)
			return false
		case "empty", "failed":
			return false
		}
		merged.merge(reg)
		sources = append(sources, source)
		return true
	}

	// dumpsys phone only stands in for a registry dump that gave nothing;
	// properties only fill fields still missing after that.
	if !read(SourceTelephonyRegistry) {
		if ctx.Err() != nil {
			return Cancelled(ModuleRegistration)
		}
		read(SourceDumpsysPhone)
	}
	if ctx.Err() != nil {
		return Cancelled(ModuleRegistration)
	}
	if !merged.complete() {
		read(SourceProperties)
	}

	if len(sources) == 0 {
		res := Failure(ModuleRegistration, "no registration source returned data")
		res.Set("sim_slot", slot)
		if len(denied) > 0 {
			res.Set("denied_sources", denied)
		}
		return res
	}

	conf := RegistrationConfidence(sources)
	m.mu.Lock()
	m.cache[key] = registrationCache{at: now, reg: merged, srcs: sources, conf: conf}
	m.mu.Unlock()

	res := registrationResult(slot, merged, sources, conf)
	res.Set("cached", false)
	if len(denied) > 0 {
		res.Set("denied_sources", denied)
	}
	return res
}

// RegistrationConfidence scores a source list: the first source sets the base
// and every extra agreeing source adds 0.05, capped at 1.0.
func RegistrationConfidence(sources []string) float64 {
	if len(sources) == 0 {
		return 0
	}
	conf := sourceConfidence[sources[0]] + 0.05*float64(len(sources)-1)
	if conf > 1 {
		conf = 1
	}
	return float64(int(conf*100+0.5)) / 100
}

func registrationResult(slot int, reg Registration, sources []string, conf float64) Result {
	res := NewResult(ModuleRegistration)
	res.Success = true
	res.Set("sim_slot", slot)
	res.Set("registered", reg.Registered())
	res.Set("voice_state", reg.VoiceState)
	res.Set("data_state", reg.DataState)
	res.Set("operator", reg.Operator)
	if len(reg.Numeric) >= 5 {
		res.Set("mcc", reg.Numeric[:3])
		res.Set("mnc", reg.Numeric[3:])
	}
	res.Set("network_type", reg.NetworkType)
	res.Set("roaming", reg.Roaming == "true")
	res.Set("sources", append([]string(nil), sources...))
	res.Set("primary_source", sources[0])
	res.Set("confidence", conf)
	if !reg.Registered() {
		res.Warn("device is not registered for voice or data")
	}
	return res
}

// readRegistrationSource returns state "ok", "empty", "denied" or "failed".
func readRegistrationSource(ctx context.Context, env Env, deviceID, source string, slot int) (Registration, string) {
	switch source {
	case SourceTelephonyRegistry, SourceDumpsysPhone:
		service := "telephony.registry"
		if source == SourceDumpsysPhone {
			service = "phone"
		}
		out := env.shell(ctx, deviceID, "dumpsys", service)
		if permissionDenied(out.Combined()) {
			return Registration{}, "denied"
		}
		if !out.Success {
			return Registration{}, "failed"
		}
		reg := ParseServiceState(sectionForSlot(out.Stdout, slot))
		if reg.empty() {
			return reg, "empty"
		}
		return reg, "ok"
	case SourceProperties:
		var reg Registration
		props := []struct {
			name string
			dst  *string
		}{
			{"gsm.operator.alpha", &reg.Operator},
			{"gsm.operator.numeric", &reg.Numeric},
			{"gsm.network.type", &reg.NetworkType},
			{"gsm.operator.isroaming", &reg.Roaming},
		}
		for _, prop := range props {
			out := env.shell(ctx, deviceID, "getprop", prop.name)
			if !out.Success {
				continue
			}
			*prop.dst = propertyForSlot(out.Output(), slot)
		}
		if reg.NetworkType != "" {
			reg.NetworkType = strings.ToUpper(reg.NetworkType)
			if reg.NetworkType == "UNKNOWN" {
				reg.NetworkType = ""
			}
		}
		if reg.empty() {
			return reg, "empty"
		}
		return reg, "ok"
	}
	return Registration{}, "failed"
}
