package cw

import (
	"regexp"
	"strings"
)

// QSOState names one of the six cooperative states the exchange walks
// through per contact.
type QSOState string

const (
	StateS0Idle           QSOState = "S0_IDLE"
	StateS1ReplyCall      QSOState = "S1_REPLY_CALL"
	StateS2WaitMyAckCall  QSOState = "S2_WAIT_MY_ACK_CALL"
	StateS4ReplyOther     QSOState = "S4_REPLY_OTHER"
	StateS5WaitFinal      QSOState = "S5_WAIT_FINAL"
	StateS6ReplyEE        QSOState = "S6_REPLY_EE"
)

// QSOConfig holds every tunable of the exchange grammar and pool behavior.
type QSOConfig struct {
	MyCall                  string
	OtherCall               string
	CQMode                  string // SIMPLE, POTA, SOTA
	MaxStations             int
	OtherCallsFile          string
	ParksFile               string
	AutoIncomingAfterQSO    bool
	AutoIncomingProbability float64
	P2PProbability          float64
	MyParkRef               string
	Allow599                bool
	AllowTU                 bool
	UseProsigns             bool
	ProsignLiteral          string
	S4Prefix                string // RR or R
	IgnoreBK                bool
	IgnoreFillTokens        []string
}

// DefaultQSOConfig returns the exchange defaults.
func DefaultQSOConfig() QSOConfig {
	return QSOConfig{
		MyCall:                  "EA4XYZ",
		OtherCall:                "N1MM",
		CQMode:                  "POTA",
		MaxStations:             1,
		ParksFile:               "",
		AutoIncomingAfterQSO:    false,
		AutoIncomingProbability: 0.5,
		P2PProbability:          0,
		MyParkRef:               "EA-0000",
		Allow599:                false,
		AllowTU:                 false,
		UseProsigns:             true,
		ProsignLiteral:          "CAVE",
		S4Prefix:                "RR",
		IgnoreBK:                true,
		IgnoreFillTokens:        []string{"RR", "R", "DE"},
	}
}

// QSOResult is the outcome of feeding one decoded message to the state
// machine: whether it advanced the exchange, what to transmit in reply,
// and any human-readable errors/info for a UI or log.
type QSOResult struct {
	State    QSOState
	Accepted bool
	Replies  []string
	Errors   []string
	Info     []string
}

// QSOCompletion is one finished contact, recorded for session export.
type QSOCompletion struct {
	TimestampUTC string
	MyCall       string
	OtherCall    string
	IsP2P        bool
	ParkRef      string
	TranscriptRX []string
	TranscriptTX []string
}

// LogEntry is one line of the state machine's internal activity log.
type LogEntry struct {
	TimestampUTC string
	Level        string
	State        QSOState
	Message      string
}

var s2ReportRe = regexp.MustCompile(`^[1-5][1-9N][9N]$`)

// StateMachine drives one simulated QSO partner through S0-S6. It holds no
// audio or timing state; callers feed it complete DecodedMessages and get
// back text to transmit.
type StateMachine struct {
	cfg      QSOConfig
	patterns ExchangePatterns
	rng      RNG
	clock    Clock
	sink     EventSink

	state QSOState

	rxTranscript []string
	txTranscript []string
	completions  []QSOCompletion
	logs         []LogEntry

	otherCallPool []string
	parkRefPool   []string

	activeOtherCallReal string
	activeOtherCall      string
	s2RRConfirmed        bool
	pendingCallers       []string
	pendingP2PRealCall   string
	pendingP2PParkRef    string
	activeCallSelected   bool
	activeIsP2P          bool
	activeP2PParkRef     string

	patternCache *compiledPatternCache
}

// NewStateMachine builds a StateMachine ready to process text starting in
// S0_IDLE.
func NewStateMachine(cfg QSOConfig, patterns ExchangePatterns, rng RNG, clock Clock, sink EventSink) *StateMachine {
	if rng == nil {
		rng = NewMathRNG(1)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if sink == nil {
		sink = NopEventSink{}
	}
	m := &StateMachine{
		cfg:          cfg,
		patterns:     patterns,
		rng:          rng,
		clock:        clock,
		sink:         sink,
		state:        StateS0Idle,
		patternCache: newCompiledPatternCache(),
	}
	m.activeOtherCallReal = strings.ToUpper(cfg.OtherCall)
	m.activeOtherCall = strings.ToUpper(cfg.OtherCall)
	return m
}

// State returns the current QSOState.
func (m *StateMachine) State() QSOState { return m.state }

// Reset returns the machine to S0_IDLE, clearing transcripts and pool
// selections but keeping loaded call/park pools and completions history.
func (m *StateMachine) Reset() {
	m.state = StateS0Idle
	m.rxTranscript = nil
	m.txTranscript = nil
	m.activeOtherCallReal = strings.ToUpper(m.cfg.OtherCall)
	m.activeOtherCall = strings.ToUpper(m.cfg.OtherCall)
	m.s2RRConfirmed = false
	m.pendingCallers = nil
	m.pendingP2PRealCall = ""
	m.pendingP2PParkRef = ""
	m.activeCallSelected = false
	m.activeIsP2P = false
	m.activeP2PParkRef = ""
	m.log("INFO", "QSO reset manual")
}

// SetOtherCallPool installs the pool of simulated callers, deduped and
// uppercased.
func (m *StateMachine) SetOtherCallPool(calls []string, sourceFile string) {
	cleaned := dedupUpper(calls)
	m.otherCallPool = cleaned
	if m.pendingP2PRealCall != "" && !containsString(cleaned, m.pendingP2PRealCall) {
		m.pendingP2PRealCall = ""
	}
	if sourceFile != "" {
		m.cfg.OtherCallsFile = sourceFile
	}
	if len(cleaned) > 0 {
		m.log("INFO", "loaded dynamic callsigns")
	} else {
		m.log("INFO", "dynamic callsign pool is empty; using fixed other_call")
	}
}

// SetParkRefPool installs the pool of active park references, deduped and
// uppercased.
func (m *StateMachine) SetParkRefPool(refs []string, sourceFile string) {
	cleaned := dedupUpper(refs)
	m.parkRefPool = cleaned
	if sourceFile != "" {
		m.cfg.ParksFile = sourceFile
	}
	if len(cleaned) > 0 {
		m.log("INFO", "loaded active park references")
	} else {
		m.log("INFO", "active park reference pool is empty; P2P disabled")
	}
}

func (m *StateMachine) ActiveOtherCall() string     { return m.activeOtherCall }
func (m *StateMachine) ActiveOtherCallReal() string { return m.activeOtherCallReal }
func (m *StateMachine) OtherCallPoolSize() int      { return len(m.otherCallPool) }
func (m *StateMachine) ParkRefPoolSize() int        { return len(m.parkRefPool) }

// ProcessText feeds one decoded message into the machine and returns the
// resulting QSOResult.
func (m *StateMachine) ProcessText(text string) QSOResult {
	tokens := m.normalizeTokens(text)
	result := QSOResult{State: m.state}
	if len(tokens) == 0 {
		result.Errors = append(result.Errors, "no usable tokens decoded")
		return result
	}

	joined := strings.Join(tokens, " ")
	m.rxTranscript = append(m.rxTranscript, joined)
	m.log("RX", joined)

	switch m.state {
	case StateS0Idle:
		return m.handleS0(tokens)
	case StateS2WaitMyAckCall:
		return m.handleS2(tokens)
	case StateS5WaitFinal:
		return m.handleS5(tokens)
	}

	result.Errors = append(result.Errors, "unhandled state: "+string(m.state))
	return result
}

// ExportSession returns a JSON-marshalable snapshot of the whole session.
func (m *StateMachine) ExportSession() map[string]interface{} {
	return map[string]interface{}{
		"state":                  string(m.state),
		"active_other_call":      m.activeOtherCall,
		"active_other_call_real": m.activeOtherCallReal,
		"active_is_p2p":          m.activeIsP2P,
		"active_p2p_park_ref":    m.activeP2PParkRef,
		"pending_callers":        append([]string(nil), m.pendingCallers...),
		"pending_p2p_real_call":  m.pendingP2PRealCall,
		"active_call_selected":   m.activeCallSelected,
		"park_ref_pool_size":     len(m.parkRefPool),
		"logs":                   m.logs,
		"completions":            m.completions,
		"rx_transcript":          m.rxTranscript,
		"tx_transcript":          m.txTranscript,
	}
}

func (m *StateMachine) handleS0(tokens []string) QSOResult {
	cqMode := strings.ToUpper(strings.TrimSpace(m.cfg.CQMode))
	if cqMode != "SIMPLE" && cqMode != "POTA" && cqMode != "SOTA" {
		cqMode = "POTA"
	}
	required := []string{"CQ"}
	if cqMode == "POTA" || cqMode == "SOTA" {
		required = append(required, cqMode)
	}
	required = append(required, "DE", strings.ToUpper(m.cfg.MyCall), "K")

	var ok bool
	var missing string
	if patterns := m.patterns.S0[cqMode]; len(patterns) > 0 {
		ok = m.matchCompactExchangePatterns(patterns, tokens, "")
		_, missing = containsSubsequenceFlexible(tokens, required)
	} else {
		ok, missing = containsSubsequenceFlexible(tokens, required)
	}

	if !ok {
		var msg string
		if missing != "" {
			msg = "S0 invalid: missing or mismatched token '" + missing + "'"
		} else {
			msg = "S0 invalid: does not match CQ pattern for mode '" + cqMode + "'"
		}
		return m.rejectInput(msg)
	}

	m.s2RRConfirmed = false
	m.activeCallSelected = false
	m.pendingCallers = m.drawNewIncomingCallers()
	replies, sent := m.emitCallers(m.pendingCallers)
	if !sent {
		return m.refuseUnresolvedTemplate("caller_call")
	}

	return QSOResult{State: m.state, Accepted: true, Replies: replies, Info: []string{"valid CQ; stations calling, select one by exact callsign"}}
}

func (m *StateMachine) handleS2(tokens []string) QSOResult {
	if !m.activeCallSelected {
		return m.handleS2SelectStation(tokens)
	}

	call := m.activeOtherCall
	if isFullCallQuery(tokens, call) {
		reply, ok := m.buildTXFromTemplate("ack_rr", "RR", "", nil)
		if !ok {
			return m.refuseUnresolvedTemplate("ack_rr")
		}
		m.txTranscript = append(m.txTranscript, reply)
		m.log("TX", reply)
		m.s2RRConfirmed = true
		return QSOResult{State: m.state, Accepted: true, Replies: []string{reply}, Info: []string{"RR sent; continue with report"}}
	}

	if isRepeatRequestForCall(tokens, call) {
		reply, ok := m.buildTXFromTemplate("repeat_selected_call", call+" "+call, call, map[string]string{"CALL": call})
		if !ok {
			return m.refuseUnresolvedTemplate("repeat_selected_call")
		}
		m.txTranscript = append(m.txTranscript, reply)
		m.log("TX", reply)
		return QSOResult{State: m.state, Accepted: true, Replies: []string{reply}, Info: []string{"repeat request detected; repeating callsign, staying in S2"}}
	}

	return m.handleS2DirectReport(tokens)
}

func (m *StateMachine) handleS2SelectStation(tokens []string) QSOResult {
	if len(m.pendingCallers) == 0 {
		return m.rejectInput("S2 invalid: no pending stations to select")
	}

	var selectedQuery string
	for _, c := range m.pendingCallers {
		if isFullCallQuery(tokens, c) {
			selectedQuery = c
			break
		}
	}
	if selectedQuery != "" {
		m.selectPendingStation(selectedQuery)
		reply, ok := m.buildTXFromTemplate("ack_rr", "RR", "", nil)
		if !ok {
			return m.refuseUnresolvedTemplate("ack_rr")
		}
		m.txTranscript = append(m.txTranscript, reply)
		m.log("TX", reply)
		m.s2RRConfirmed = true
		return QSOResult{State: m.state, Accepted: true, Replies: []string{reply}, Info: []string{"station " + m.activeOtherCall + " selected; RR sent"}}
	}

	if wildcards := extractWildcardPatterns(tokens); len(wildcards) > 0 {
		matches := m.matchPendingByPatterns(wildcards)
		if len(matches) == 0 {
			return QSOResult{State: m.state, Accepted: true, Info: []string{"no matches for the given pattern"}}
		}
		replies, sent := m.emitCallers(matches)
		if !sent {
			return m.refuseUnresolvedTemplate("caller_call")
		}
		return QSOResult{State: m.state, Accepted: true, Replies: replies, Info: []string{"matches: " + strings.Join(matches, ", ")}}
	}

	if exact := m.findExactPendingCall(tokens); exact != "" {
		m.selectPendingStation(exact)
		return m.handleS2DirectReport(tokens)
	}

	return m.rejectInput("S2 invalid: give the exact callsign of a station in the queue")
}

func (m *StateMachine) handleS2DirectReport(tokens []string) QSOResult {
	call := m.activeOtherCall
	if isRepeatRequestForCall(tokens, call) {
		reply, ok := m.buildTXFromTemplate("repeat_selected_call", call+" "+call, call, map[string]string{"CALL": call})
		if !ok {
			return m.refuseUnresolvedTemplate("repeat_selected_call")
		}
		m.txTranscript = append(m.txTranscript, reply)
		m.log("TX", reply)
		return QSOResult{State: m.state, Accepted: true, Replies: []string{reply}, Info: []string{"repeat request detected; repeating callsign, staying in S2"}}
	}

	cleaned := stripFillers(tokens, m.cfg.IgnoreBK, m.cfg.IgnoreFillTokens)

	if m.activeIsP2P {
		p2pPatterns := m.patterns.S2["p2p_ack"]
		matched := false
		if len(p2pPatterns) > 0 {
			matched = m.matchCompactExchangePatterns(p2pPatterns, cleaned, "P2P")
		} else {
			matched = countTokenFlexible(cleaned, "P2P") >= 1
		}
		if !matched {
			return m.rejectInput("S2 invalid: P2P replies must answer with 'P2P'")
		}

		reply, ok := m.buildP2PStationReply()
		if !ok {
			return m.refuseUnresolvedTemplate("p2p_station_reply")
		}
		m.state = StateS4ReplyOther
		m.s2RRConfirmed = false
		m.txTranscript = append(m.txTranscript, reply)
		m.log("TX", reply)
		m.state = StateS5WaitFinal
		return QSOResult{State: m.state, Accepted: true, Replies: []string{reply}, Info: []string{"P2P exchange sent; waiting for final close with your park reference"}}
	}

	requireCall := !m.activeCallSelected && !m.s2RRConfirmed
	patternKey := "report_no_call"
	if requireCall {
		patternKey = "report_require_call"
	}
	if m.cfg.Allow599 {
		patternKey += "_allow_599"
	}
	if patterns := m.patterns.S2[patternKey]; len(patterns) > 0 {
		if !m.matchCompactExchangePatterns(patterns, cleaned, call) {
			missing := m.legacyS2MissingTokens(cleaned, call, requireCall)
			msg := "S2 invalid: does not match pattern '" + patternKey + "'"
			if len(missing) > 0 {
				msg += "; missing: " + strings.Join(missing, ", ")
			}
			return m.rejectInput(msg)
		}
	} else if missing := m.legacyS2MissingTokens(cleaned, call, requireCall); len(missing) > 0 {
		return m.rejectInput("S2 invalid: missing required tokens: " + strings.Join(missing, ", "))
	}

	txProsign := m.txClosingProsign()
	reply, ok := m.buildTXFromTemplate("report_reply", txProsign+" UR 5NN 5NN TU 73 "+txProsign, "", nil)
	if !ok {
		return m.refuseUnresolvedTemplate("report_reply")
	}
	m.state = StateS4ReplyOther
	m.s2RRConfirmed = false
	m.txTranscript = append(m.txTranscript, reply)
	m.log("TX", reply)
	m.state = StateS5WaitFinal
	return QSOResult{State: m.state, Accepted: true, Replies: []string{reply}, Info: []string{"report valid, reply sent; waiting for final close (73 EE)"}}
}

func (m *StateMachine) handleS5(tokens []string) QSOResult {
	if m.activeIsP2P && m.activeP2PParkRef != "" {
		if res, handled := m.handleS5P2PQuery(tokens); handled {
			return res
		}
	}

	if isRepeatRequestForCall(tokens, m.activeOtherCall) {
		if len(m.txTranscript) == 0 {
			return m.rejectInput("S5 invalid: no previous transmission to repeat")
		}
		reply := m.txTranscript[len(m.txTranscript)-1]
		m.txTranscript = append(m.txTranscript, reply)
		m.log("TX", reply)
		return QSOResult{State: m.state, Accepted: true, Replies: []string{reply}, Info: []string{"repeat request detected; repeating last transmission, staying in S5"}}
	}

	ignoreBK := m.cfg.IgnoreBK && !m.cfg.UseProsigns
	cleaned := stripFillers(collapseDoubleE(tokens), ignoreBK, m.cfg.IgnoreFillTokens)

	if m.activeIsP2P && m.activeP2PParkRef != "" {
		return m.handleS5P2P(cleaned)
	}

	patternKey := "without_prosign"
	if m.cfg.UseProsigns {
		patternKey = "with_prosign"
	}
	if m.cfg.AllowTU {
		patternKey += "_allow_tu"
	}
	if patterns := m.patterns.S5[patternKey]; len(patterns) > 0 {
		if !m.matchCompactExchangePatterns(patterns, cleaned, "") {
			return m.rejectInput("S5 invalid: does not match pattern '" + patternKey + "'")
		}
	} else {
		prosignToken := m.prosignToken()
		var requiredBasic, requiredTU []string
		if m.cfg.UseProsigns {
			if countTokenDirect(cleaned, prosignToken) < 1 {
				return m.rejectInput("S5 invalid: prosign " + prosignToken + " must be sent with no inter-letter gap")
			}
			requiredBasic = []string{prosignToken, "73", "EE"}
			requiredTU = []string{prosignToken, "TU", "73", "EE"}
		} else {
			requiredBasic = []string{"73", "EE"}
			requiredTU = []string{"TU", "73", "EE"}
		}

		okBasic, missingBasic := containsSubsequenceFlexible(cleaned, requiredBasic)
		okTU := false
		if m.cfg.AllowTU {
			okTU, _ = containsSubsequenceFlexible(cleaned, requiredTU)
		}
		if !(okBasic || okTU) {
			expected := "73 EE"
			if m.cfg.UseProsigns {
				expected = prosignToken + " 73 EE"
			}
			return m.rejectInput("S5 invalid: expected closing '" + expected + "' (missing '" + missingBasic + "')")
		}
	}

	reply, ok := m.buildTXFromTemplate("qso_complete", "EE", "", nil)
	if !ok {
		return m.refuseUnresolvedTemplate("qso_complete")
	}
	return m.completeQSOWithReply(reply, StateS6ReplyEE, "QSO complete; back to S0")
}

func (m *StateMachine) handleS5P2P(cleaned []string) QSOResult {
	key := "p2p_without_prosign"
	if m.cfg.UseProsigns {
		key = "p2p_with_prosign"
	}
	if m.cfg.AllowTU {
		key += "_allow_tu"
	}
	if patterns := m.patterns.S5[key]; len(patterns) > 0 {
		if !m.matchCompactExchangePatterns(patterns, cleaned, "") {
			return m.rejectInput("S5 invalid: does not match P2P pattern '" + key + "'")
		}
	} else {
		myPark := strings.ToUpper(strings.TrimSpace(m.cfg.MyParkRef))
		if myPark == "" {
			myPark = "EA-0000"
		}
		var required []string
		if m.cfg.UseProsigns {
			required = append(required, m.prosignToken())
		}
		required = append(required, m.activeOtherCallReal, strings.ToUpper(m.cfg.MyCall), "MY", "REF", myPark, myPark)
		if m.cfg.AllowTU {
			required = append(required, "TU", "73")
		}
		matched, missing := containsSubsequenceFlexible(cleaned, required)
		if !matched {
			return m.rejectInput("S5 invalid: expected P2P closing '" + strings.Join(required, " ") + "' (missing '" + missing + "')")
		}
	}

	reply, ok := m.buildTXFromTemplate("qso_complete", "EE", "", nil)
	if !ok {
		return m.refuseUnresolvedTemplate("qso_complete")
	}
	return m.completeQSOWithReply(reply, StateS6ReplyEE, "P2P QSO complete; back to S0")
}

func (m *StateMachine) handleS5P2PQuery(tokens []string) (QSOResult, bool) {
	query := compactJoin(tokens)
	switch query {
	case "CALL?":
		call := m.activeOtherCallReal
		reply, ok := m.buildTXFromTemplate("p2p_repeat_call", call+" "+call, call, map[string]string{"CALL": call})
		if !ok {
			return m.refuseUnresolvedTemplate("p2p_repeat_call"), true
		}
		m.txTranscript = append(m.txTranscript, reply)
		m.log("TX", reply)
		return QSOResult{State: m.state, Accepted: true, Replies: []string{reply}, Info: []string{"'CALL?' in P2P: repeating caller's callsign, staying in S5"}}, true
	case "REF?":
		park := compactParkRef(m.activeP2PParkRef)
		reply, ok := m.buildTXFromTemplate("p2p_repeat_ref", park+" "+park, "", map[string]string{"PARK_REF": park})
		if !ok {
			return m.refuseUnresolvedTemplate("p2p_repeat_ref"), true
		}
		m.txTranscript = append(m.txTranscript, reply)
		m.log("TX", reply)
		return QSOResult{State: m.state, Accepted: true, Replies: []string{reply}, Info: []string{"'REF?' in P2P: repeating park reference, staying in S5"}}, true
	}
	return QSOResult{}, false
}

// buildP2PStationReply renders the P2P station-reply template. It reports
// ok=false, with config.template_unresolved already emitted, if the
// configured template leaves a placeholder unresolved.
func (m *StateMachine) buildP2PStationReply() (string, bool) {
	key := "p2p_station_reply_without_tu"
	if m.cfg.AllowTU {
		key = "p2p_station_reply_with_tu"
	}
	template := m.patterns.TX[key]
	values := m.exchangePatternValues("")
	if template != "" {
		rendered := renderTemplate(template, values)
		if missing, unresolved := unresolvedPlaceholder(rendered); unresolved {
			m.sink.Emit(Event{Kind: EventConfigTemplateMissing, Message: "unresolved placeholder " + missing + " in template " + key, At: m.clock.Now()})
			return "", false
		}
		return cleanMessageSpacing(rendered), true
	}

	txProsign := m.txClosingProsign()
	parts := []string{txProsign, m.activeOtherCallReal, m.activeOtherCallReal, "MY", "REF"}
	park := compactParkRef(m.activeP2PParkRef)
	if park != "" {
		parts = append(parts, park, park)
	}
	if m.cfg.AllowTU {
		parts = append(parts, "TU")
	}
	parts = append(parts, "73", txProsign)
	return cleanMessageSpacing(strings.Join(parts, " ")), true
}

// buildTXFromTemplate renders the named TX template, falling back to a
// hardcoded string when no template is configured for key. It reports
// ok=false, with config.template_unresolved already emitted, if the
// configured template leaves a placeholder unresolved; callers must not
// transmit the returned (empty) string in that case.
func (m *StateMachine) buildTXFromTemplate(key, fallback, otherCall string, extraValues map[string]string) (string, bool) {
	template := strings.TrimSpace(m.patterns.TX[key])
	if template == "" {
		return cleanMessageSpacing(fallback), true
	}
	values := m.exchangePatternValues(otherCall)
	for name, value := range extraValues {
		values[name] = compactToken(value)
	}
	rendered := renderTemplate(template, values)
	if missing, ok := unresolvedPlaceholder(rendered); ok {
		m.sink.Emit(Event{Kind: EventConfigTemplateMissing, Message: "unresolved placeholder " + missing + " in template " + key, At: m.clock.Now()})
		return "", false
	}
	return cleanMessageSpacing(rendered), true
}

func (m *StateMachine) prosignToken() string {
	literal := alnumUpper(m.cfg.ProsignLiteral)
	if literal == "" {
		literal = "CAVE"
	}
	return "<" + literal + ">"
}

func (m *StateMachine) txClosingProsign() string {
	literal := alnumUpper(m.cfg.ProsignLiteral)
	if literal == "" {
		literal = "KN"
	}
	return literal
}

func (m *StateMachine) exchangePatternValues(otherCall string) map[string]string {
	myPark := strings.ToUpper(strings.TrimSpace(m.cfg.MyParkRef))
	if myPark == "" {
		myPark = "EA-0000"
	}
	call := otherCall
	if call == "" {
		call = m.activeOtherCall
	}
	return map[string]string{
		"MY_CALL":         compactToken(m.cfg.MyCall),
		"OTHER_CALL":      compactToken(call),
		"CALL":            compactToken(call),
		"OTHER_CALL_REAL": compactToken(m.activeOtherCallReal),
		"PROSIGN":         compactToken(m.prosignToken()),
		"TX_PROSIGN":      compactToken(m.txClosingProsign()),
		"PARK_REF":        compactParkRef(m.activeP2PParkRef),
		"MY_PARK_REF":     compactParkRef(myPark),
	}
}

func (m *StateMachine) matchCompactExchangePatterns(patterns []string, tokens []string, otherCall string) bool {
	compact := compactJoin(tokens)
	values := m.exchangePatternValues(otherCall)
	for _, raw := range patterns {
		re, err := m.patternCache.compile(raw, escapeValues(values))
		if err != nil {
			m.sink.Emit(Event{Kind: EventConfigPatternsInvalid, Message: "invalid exchange pattern regex: " + raw, At: m.clock.Now()})
			continue
		}
		if matchesFull(re, compact) {
			return true
		}
	}
	return false
}

func matchesFull(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

func escapeValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = regexp.QuoteMeta(v)
	}
	return out
}

func (m *StateMachine) legacyS2MissingTokens(tokens []string, call string, requireCall bool) []string {
	var missing []string
	if requireCall && countTokenFlexible(tokens, call) < 1 {
		missing = append(missing, call)
	}
	if countValidS2Reports(tokens) < 2 {
		missing = append(missing, "RST RST")
	}
	return missing
}

func (m *StateMachine) log(level, message string) {
	m.logs = append(m.logs, LogEntry{TimestampUTC: m.clock.Now().UTC().Format("2006-01-02T15:04:05.000000+00:00"), Level: level, State: m.state, Message: message})
	if len(m.logs) > 2000 {
		m.logs = m.logs[len(m.logs)-1000:]
	}
}

// rejectInput logs a per-state input rejection and emits the
// qso.unexpected_input event, then returns the resulting QSOResult.
func (m *StateMachine) rejectInput(msg string) QSOResult {
	m.log("ERR", msg)
	m.sink.Emit(Event{Kind: EventQSOUnexpectedInput, Message: msg, At: m.clock.Now()})
	return QSOResult{State: m.state, Errors: []string{msg}}
}

// resetActiveToIdle drops the active call selection and returns to S0_IDLE,
// the same reset a completed QSO performs.
func (m *StateMachine) resetActiveToIdle() {
	m.state = StateS0Idle
	m.activeOtherCallReal = strings.ToUpper(m.cfg.OtherCall)
	m.activeOtherCall = strings.ToUpper(m.cfg.OtherCall)
	m.activeCallSelected = false
	m.s2RRConfirmed = false
	m.activeIsP2P = false
	m.activeP2PParkRef = ""
}

// refuseUnresolvedTemplate logs the refusal, refuses the TX, and drops the
// exchange back to S0_IDLE. It emits no event itself: the template builder
// that failed has already emitted config.template_unresolved.
func (m *StateMachine) refuseUnresolvedTemplate(key string) QSOResult {
	msg := "TX refused: unresolved placeholder in template " + key
	m.log("ERR", msg)
	m.resetActiveToIdle()
	return QSOResult{State: m.state, Errors: []string{msg}}
}

func (m *StateMachine) completeQSOWithReply(reply string, interimState QSOState, info string) QSOResult {
	completedCall := m.formattedCompletionOtherCall()
	m.state = interimState
	m.txTranscript = append(m.txTranscript, reply)
	m.log("TX", reply)

	m.completions = append(m.completions, QSOCompletion{
		TimestampUTC: m.clock.Now().UTC().Format("2006-01-02T15:04:05.000000+00:00"),
		MyCall:       strings.ToUpper(m.cfg.MyCall),
		OtherCall:    m.activeOtherCallReal,
		IsP2P:        m.activeIsP2P,
		ParkRef:      m.activeP2PParkRef,
		TranscriptRX: append([]string(nil), m.rxTranscript...),
		TranscriptTX: append([]string(nil), m.txTranscript...),
	})
	m.log("INFO", "QSO complete")
	m.sink.Emit(Event{Kind: EventQSOComplete, Message: "QSO complete with " + completedCall, At: m.clock.Now()})

	m.state = StateS0Idle
	m.activeOtherCallReal = strings.ToUpper(m.cfg.OtherCall)
	m.activeOtherCall = strings.ToUpper(m.cfg.OtherCall)
	m.activeCallSelected = false
	m.s2RRConfirmed = false
	m.activeIsP2P = false
	m.activeP2PParkRef = ""

	outReplies := []string{reply}
	outInfo := []string{info}

	if len(m.pendingCallers) > 0 {
		if replies, ok := m.emitCallers(m.pendingCallers); ok {
			outReplies = append(outReplies, replies...)
			outInfo = append(outInfo, "pending stations call again")
		} else {
			m.log("ERR", "TX refused: unresolved placeholder in template caller_call")
			m.resetActiveToIdle()
		}
	} else if incoming := m.maybeStartIncomingCallAfterQSO(); len(incoming) > 0 {
		outReplies = append(outReplies, incoming...)
		outInfo = append(outInfo, "new incoming station; CQ skipped, answering directly")
	}

	return QSOResult{State: m.state, Accepted: true, Replies: outReplies, Info: outInfo}
}

func (m *StateMachine) formattedCompletionOtherCall() string {
	if m.activeIsP2P && m.activeP2PParkRef != "" {
		return m.activeOtherCallReal + " (P2P) " + m.activeP2PParkRef
	}
	return m.activeOtherCallReal
}

func (m *StateMachine) drawNewIncomingCallers() []string {
	maxStations := m.cfg.MaxStations
	if maxStations < 1 {
		maxStations = 1
	}
	requested := 1 + m.rng.IntN(maxStations)

	var pool []string
	for _, c := range m.otherCallPool {
		if strings.TrimSpace(c) != "" {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		m.pendingP2PRealCall = ""
		m.pendingP2PParkRef = ""
		return []string{strings.ToUpper(m.cfg.OtherCall)}
	}

	if requested > len(pool) {
		requested = len(pool)
	}
	if requested <= 0 {
		m.pendingP2PRealCall = ""
		m.pendingP2PParkRef = ""
		return []string{strings.ToUpper(m.cfg.OtherCall)}
	}
	callers := sampleStrings(m.rng, pool, requested)
	m.pendingP2PRealCall = m.pickP2PCaller(callers)
	if m.pendingP2PRealCall != "" {
		m.pendingP2PParkRef = m.pickParkRef()
	} else {
		m.pendingP2PParkRef = ""
	}
	return callers
}

// emitCallers announces each of callers as an incoming station and moves
// S1_REPLY_CALL -> S2_WAIT_MY_ACK_CALL. It reports ok=false, with
// config.template_unresolved already emitted, if rendering any caller's
// announcement hits an unresolved placeholder; the caller must then refuse
// TX and drop back to S0 rather than use the partial replies.
func (m *StateMachine) emitCallers(callers []string) ([]string, bool) {
	ordered := append([]string(nil), callers...)
	shuffleStrings(m.rng, ordered)
	if m.pendingP2PRealCall != "" {
		if idx := indexOfString(ordered, m.pendingP2PRealCall); idx >= 0 {
			ordered = append(ordered[:idx], ordered[idx+1:]...)
			ordered = append([]string{m.pendingP2PRealCall}, ordered...)
		}
	}
	m.state = StateS1ReplyCall
	var replies []string
	for _, call := range ordered {
		var reply string
		if m.pendingP2PRealCall != "" && call == m.pendingP2PRealCall {
			callPart, ok := m.buildTXFromTemplate("p2p_repeat_call", call+" "+call, call, map[string]string{"CALL": call, "OTHER_CALL_REAL": call})
			if !ok {
				return nil, false
			}
			park := compactParkRef(m.pendingP2PParkRef)
			refPart, ok := m.buildTXFromTemplate("p2p_repeat_ref", park+" "+park, "", map[string]string{"PARK_REF": park})
			if !ok {
				return nil, false
			}
			reply = cleanMessageSpacing(callPart + " " + refPart)
		} else {
			var ok bool
			reply, ok = m.buildTXFromTemplate("caller_call", call+" "+call, call, map[string]string{"CALL": call})
			if !ok {
				return nil, false
			}
		}
		m.txTranscript = append(m.txTranscript, reply)
		m.log("TX", reply)
		replies = append(replies, reply)
	}
	m.state = StateS2WaitMyAckCall
	return replies, true
}

func (m *StateMachine) pickP2PCaller(callers []string) string {
	mode := strings.ToUpper(strings.TrimSpace(m.cfg.CQMode))
	if mode != "POTA" {
		return ""
	}
	if len(m.parkRefPool) == 0 {
		return ""
	}
	p := clamp(m.cfg.P2PProbability, 0, 1)
	if p <= 0 {
		return ""
	}
	if m.rng.Float64() >= p {
		return ""
	}
	if len(callers) == 0 {
		return ""
	}
	return callers[m.rng.IntN(len(callers))]
}

func (m *StateMachine) pickParkRef() string {
	if len(m.parkRefPool) == 0 {
		return ""
	}
	return m.parkRefPool[m.rng.IntN(len(m.parkRefPool))]
}

func (m *StateMachine) findExactPendingCall(tokens []string) string {
	if len(m.pendingCallers) == 0 {
		return ""
	}
	hay := compactJoin(tokens)
	bestPos := -1
	best := ""
	for _, call := range m.pendingCallers {
		needle := compactToken(call)
		pos := strings.Index(hay, needle)
		if pos < 0 {
			continue
		}
		if bestPos < 0 || pos < bestPos {
			bestPos = pos
			best = call
		}
	}
	return best
}

func (m *StateMachine) selectPendingStation(call string) {
	m.activeOtherCallReal = call
	m.activeIsP2P = m.pendingP2PRealCall != "" && call == m.pendingP2PRealCall
	if m.activeIsP2P {
		m.activeOtherCall = "P2P"
		m.activeP2PParkRef = m.pendingP2PParkRef
	} else {
		m.activeOtherCall = call
		m.activeP2PParkRef = ""
	}
	if m.pendingP2PRealCall != "" && call == m.pendingP2PRealCall {
		m.pendingP2PRealCall = ""
		m.pendingP2PParkRef = ""
	}
	m.activeCallSelected = true
	m.s2RRConfirmed = false
	m.pendingCallers = removeString(m.pendingCallers, call)
	if m.pendingP2PRealCall != "" && !containsString(m.pendingCallers, m.pendingP2PRealCall) {
		m.pendingP2PRealCall = ""
	}
}

func (m *StateMachine) matchPendingByPatterns(patterns []string) []string {
	var matches []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		for _, call := range m.pendingCallers {
			if seen[call] {
				continue
			}
			if wildcardMatchesCall(pattern, call) {
				seen[call] = true
				matches = append(matches, call)
			}
		}
	}
	return matches
}

func (m *StateMachine) maybeStartIncomingCallAfterQSO() []string {
	if !m.cfg.AutoIncomingAfterQSO {
		return nil
	}
	p := m.cfg.AutoIncomingProbability
	if p <= 0 {
		return nil
	}
	if p < 1 && m.rng.Float64() >= p {
		return nil
	}
	m.activeCallSelected = false
	m.s2RRConfirmed = false
	m.pendingCallers = m.drawNewIncomingCallers()
	replies, ok := m.emitCallers(m.pendingCallers)
	if !ok {
		m.log("ERR", "TX refused: unresolved placeholder in template caller_call")
		m.resetActiveToIdle()
		return nil
	}
	return replies
}

func (m *StateMachine) normalizeTokens(text string) []string {
	raw := tokenizeText(text)
	configured := m.prosignToken()
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		switch {
		case t == "CAVE" || t == "<CAVE>":
			out = append(out, configured)
		default:
			out = append(out, t)
		}
	}
	return out
}

// --- free helper functions, grounded on the exchange-grammar source ---

func cleanMessageSpacing(text string) string {
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}

func containsSubsequence(observed, required []string) (bool, string) {
	pos := 0
	for _, req := range required {
		found := false
		for pos < len(observed) {
			if observed[pos] == req {
				found = true
				pos++
				break
			}
			pos++
		}
		if !found {
			return false, req
		}
	}
	return true, ""
}

func containsSubsequenceFlexible(observed, required []string) (bool, string) {
	if ok, _ := containsSubsequence(observed, required); ok {
		return true, ""
	}
	if ok, _ := containsCompactSequence(observed, required); ok {
		return true, ""
	}
	_, missing := containsCompactSequence(observed, required)
	if missing == "" {
		_, missing = containsSubsequence(observed, required)
	}
	return false, missing
}

func countValidS2Reports(tokens []string) int {
	direct := 0
	for _, t := range tokens {
		if isValidS2ReportToken(t) {
			direct++
		}
	}
	compact := len(s2ReportRe.FindAllString(compactJoin(tokens), -1))
	if direct > compact {
		return direct
	}
	return compact
}

func isValidS2ReportToken(token string) bool {
	return s2ReportRe.MatchString(compactToken(token))
}

func countTokenFlexible(tokens []string, token string) int {
	direct := 0
	for _, t := range tokens {
		if t == token {
			direct++
		}
	}
	compact := countCompactOccurrences(tokens, token)
	if direct > compact {
		return direct
	}
	return compact
}

func countTokenDirect(tokens []string, token string) int {
	n := 0
	for _, t := range tokens {
		if t == token {
			n++
		}
	}
	return n
}

func countCompactOccurrences(tokens []string, token string) int {
	needle := compactToken(token)
	if needle == "" {
		return 0
	}
	hay := compactJoin(tokens)
	count, start := 0, 0
	for {
		idx := strings.Index(hay[start:], needle)
		if idx < 0 {
			break
		}
		count++
		start += idx + len(needle)
	}
	return count
}

func containsCompactSequence(observed, required []string) (bool, string) {
	hay := compactJoin(observed)
	pos := 0
	for _, req := range required {
		needle := compactToken(req)
		if needle == "" {
			continue
		}
		idx := strings.Index(hay[pos:], needle)
		if idx < 0 {
			return false, req
		}
		pos += idx + len(needle)
	}
	return true, ""
}

func compactJoin(tokens []string) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(compactToken(t))
	}
	return b.String()
}

func compactToken(token string) string {
	tok := strings.ToUpper(strings.TrimSpace(token))
	if len(tok) > 2 && strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
		tok = tok[1 : len(tok)-1]
	}
	return strings.ReplaceAll(tok, " ", "")
}

func compactParkRef(token string) string {
	return strings.ReplaceAll(compactToken(token), "-", "")
}

func isRepeatRequestForCall(tokens []string, call string) bool {
	for _, tok := range tokens {
		t := strings.TrimSpace(tok)
		if t == "" {
			continue
		}
		if strings.Contains(t, "?") {
			return true
		}
	}
	return false
}

func isFullCallQuery(tokens []string, call string) bool {
	callU := strings.ToUpper(strings.TrimSpace(call))
	if callU == "" {
		return false
	}
	var compact []string
	for _, t := range tokens {
		if c := compactToken(t); c != "" {
			compact = append(compact, c)
		}
	}
	if strings.Join(compact, "") == callU+"?" {
		return true
	}
	for i, t := range compact {
		if t == callU+"?" {
			return true
		}
		if t == callU && i+1 < len(compact) && compact[i+1] == "?" {
			return true
		}
	}
	return false
}

func wildcardMatchesCall(patternToken, call string) bool {
	if patternToken == "" {
		return false
	}
	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(patternToken), `\?`, ".*") + "$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(call)
}

func extractWildcardPatterns(tokens []string) []string {
	var compact []string
	for _, t := range tokens {
		if c := compactToken(t); c != "" {
			compact = append(compact, c)
		}
	}

	var patterns []string
	seen := make(map[string]bool)
	hasQuestion := false
	for _, tok := range compact {
		if !strings.Contains(tok, "?") {
			continue
		}
		hasQuestion = true
		if !hasAlnum(tok) {
			continue
		}
		if seen[tok] {
			continue
		}
		seen[tok] = true
		patterns = append(patterns, tok)
	}

	joined := strings.Join(compact, "")
	if strings.Contains(joined, "?") {
		hasQuestion = true
	}
	if strings.Contains(joined, "?") && hasAlnum(joined) && !seen[joined] {
		patterns = append(patterns, joined)
	}
	if len(patterns) == 0 && hasQuestion {
		patterns = append(patterns, "?")
	}
	return patterns
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}

func stripFillers(tokens []string, ignoreBK bool, ignoreTokens []string) []string {
	singleCharTokens := 0
	for _, t := range tokens {
		if len(compactToken(t)) == 1 {
			singleCharTokens++
		}
	}
	minRequired := int(0.6 * float64(maxInt(len(tokens), 1)))
	if minRequired < 4 {
		minRequired = 4
	}
	if singleCharTokens >= minRequired {
		return append([]string(nil), tokens...)
	}

	fillers := make(map[string]bool, len(ignoreTokens)+1)
	for _, t := range ignoreTokens {
		fillers[t] = true
	}
	if ignoreBK {
		fillers["BK"] = true
	}

	var out []string
	for _, t := range tokens {
		if !fillers[t] {
			out = append(out, t)
		}
	}
	return out
}

func collapseDoubleE(tokens []string) []string {
	var out []string
	i := 0
	for i < len(tokens) {
		if i+1 < len(tokens) && tokens[i] == "E" && tokens[i+1] == "E" {
			out = append(out, "EE")
			i += 2
			continue
		}
		out = append(out, tokens[i])
		i++
	}
	return out
}

func alnumUpper(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func dedupUpper(items []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, item := range items {
		c := strings.ToUpper(strings.TrimSpace(item))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func containsString(items []string, target string) bool {
	return indexOfString(items, target) >= 0
}

func indexOfString(items []string, target string) int {
	for i, item := range items {
		if item == target {
			return i
		}
	}
	return -1
}

func removeString(items []string, target string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// sampleStrings draws n distinct items from pool without replacement,
// using rng for each draw (Fisher-Yates partial shuffle).
func sampleStrings(rng RNG, pool []string, n int) []string {
	working := append([]string(nil), pool...)
	if n > len(working) {
		n = len(working)
	}
	for i := 0; i < n; i++ {
		j := i + rng.IntN(len(working)-i)
		working[i], working[j] = working[j], working[i]
	}
	return append([]string(nil), working[:n]...)
}

// shuffleStrings performs an in-place Fisher-Yates shuffle using rng.
func shuffleStrings(rng RNG, items []string) {
	for i := len(items) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}
