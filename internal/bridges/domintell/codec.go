package domintell

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NoChannel marks an event that reports a single value for the whole module
// (DAL and PRL temperature lines). Its identifier is the bare module address.
const NoChannel = -1

// Control lines understood by the controller.
const (
	// CmdHello is the default heartbeat token.
	CmdHello = "HELLO"

	// CmdPing is an alternative heartbeat token answered with PONG.
	CmdPing = "PING"

	// CmdAppInfo asks the controller to dump its module configuration.
	CmdAppInfo = "APPINFO"
)

// Module family prefixes (first three characters of a status line).
const (
	familyDALI        = "DAL"
	familyRelay       = "BIR"
	familyDimmer      = "DIM"
	familyThermostat  = "PRL"
	familyDetector    = "DET"
	familyInputs4     = "IS4"
	familyInputs8     = "IS8"
	familyInputs20    = "I20"
	familyAnalogOut   = "D10"
	familyShutterTRV  = "TRV"
	moduleAddressLen  = 9
	daliAddressLen    = 12
	valueOffset       = 10
	daliValueOffset   = 13
	thermostatMarker  = 'T'
	thermostatMarkPos = 9
)

// ModuleEvent is one decoded value for one channel of a bus module.
type ModuleEvent struct {
	// Module is the module address as it appears on the wire (e.g. "BIR00001D").
	Module string

	// Channel is the 0-based channel index, or NoChannel.
	Channel int

	// Value is the decoded value. Bits decode to 0 or 1, dimmer slots to
	// 0-255 and TRV fields to a direction code 0-3.
	Value float64
}

// Identifier returns the accessory identifier this event addresses.
func (e ModuleEvent) Identifier() string {
	return DeriveIdentifier(e.Module, e.Channel)
}

// Verb is the single-letter action of an outbound command.
type Verb string

// Command verbs. Covers stop with the same verb that switches outputs off.
const (
	VerbOn   Verb = "I"
	VerbOff  Verb = "O"
	VerbDim  Verb = "D"
	VerbUp   Verb = "H"
	VerbDown Verb = "L"
	VerbStop Verb = VerbOff
)

// lineDecoder decodes one status line of a known family.
type lineDecoder func(line string) ([]ModuleEvent, error)

// noEvents is used for families that are recognised but carry nothing the
// bridge models.
func noEvents(string) ([]ModuleEvent, error) { return nil, nil }

// decoders maps a family prefix to its decoder.
var decoders = map[string]lineDecoder{
	familyDALI:       decodeDALI,
	familyRelay:      decodeBitmask(7),
	familyDimmer:     decodeDimmer,
	familyThermostat: decodeThermostat,
	familyDetector:   decodeDetector,
	familyInputs4:    decodeInputs(4),
	familyInputs8:    decodeInputs(8),
	familyInputs20:   decodeInputs(20),
	familyAnalogOut:  decodeAnalogOut,
	familyShutterTRV: decodeShutter,
	"VAR":            noEvents,
	"SYS":            noEvents,
	"B81":            noEvents,
	"B82":            noEvents,
	"B84":            noEvents,
	"B86":            noEvents,
}

// SplitLines splits a received frame on any line terminator and drops empty
// lines. A frame may carry several status lines.
func SplitLines(frame string) []string {
	frame = strings.ReplaceAll(frame, "\r\n", "\n")
	frame = strings.ReplaceAll(frame, "\r", "\n")

	parts := strings.Split(frame, "\n")
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			lines = append(lines, p)
		}
	}
	return lines
}

// DecodeLine decodes one status line into module events.
//
// Recognised families without a model (VAR, SYS, B8x) and empty lines decode
// to no events and no error. A malformed line decodes to no events and an
// error wrapping ErrMalformedLine, so a bad field never leaks a value.
//
// Parameters:
//   - line: A single status line without terminator
//
// Returns:
//   - []ModuleEvent: Decoded events in channel order
//   - error: ErrUnrecognizedLine or ErrMalformedLine (diagnostic only)
func DecodeLine(line string) ([]ModuleEvent, error) {
	if line == "" {
		return nil, nil
	}
	if len(line) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedLine, line)
	}

	decode, ok := decoders[line[:3]]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedLine, line)
	}

	events, err := decode(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrMalformedLine, line, err)
	}
	return events, nil
}

// DeriveIdentifier builds the accessory identifier for a module channel.
// Input modules number their channels in hexadecimal, TRV shutters use odd
// output numbers, every other family numbers channels from 1.
func DeriveIdentifier(module string, channel int) string {
	if channel == NoChannel {
		return module
	}

	family := ""
	if len(module) >= 3 {
		family = module[:3]
	}

	switch family {
	case familyInputs4, familyInputs8, familyInputs20:
		return module + "-" + strconv.FormatInt(int64(channel+1), 16)
	case familyShutterTRV:
		return module + "-" + strconv.Itoa(2*channel+1)
	default:
		return module + "-" + strconv.Itoa(channel+1)
	}
}

// EncodeCommand builds an outbound command line.
//
// Parameters:
//   - identifier: Accessory identifier (module address plus channel suffix)
//   - verb: Command verb
//   - level: Dim level for VerbDim, clamped to 0-100; ignored otherwise
//
// Returns:
//   - string: The command line, e.g. "DIM00002A-3%D40"
//   - error: ErrInvalidCommand for an empty identifier or unknown verb
func EncodeCommand(identifier string, verb Verb, level int) (string, error) {
	if identifier == "" || strings.ContainsAny(identifier, "\r\n%") {
		return "", fmt.Errorf("%w: bad identifier %q", ErrInvalidCommand, identifier)
	}

	switch verb {
	case VerbOn, VerbOff, VerbUp, VerbDown:
		return identifier + "%" + string(verb), nil
	case VerbDim:
		return identifier + "%D" + strconv.Itoa(clampPercent(level)), nil
	default:
		return "", fmt.Errorf("%w: unknown verb %q", ErrInvalidCommand, verb)
	}
}

// RequestSaltCommand asks the controller for the salt of a user account.
func RequestSaltCommand(username string) string {
	return "REQUESTSALT@" + username
}

// LoginCommand builds a login line. Both arguments empty gives the bare
// login used by controllers without user accounts.
func LoginCommand(username, digest string) string {
	return "LOGINPSW@" + username + ":" + digest
}

func decodeDALI(line string) ([]ModuleEvent, error) {
	if len(line) <= daliValueOffset {
		return nil, errTruncated
	}
	v, err := parseHexPrefix(line[daliValueOffset:])
	if err != nil {
		return nil, err
	}
	return []ModuleEvent{{Module: line[:daliAddressLen], Channel: NoChannel, Value: float64(v)}}, nil
}

// decodeBitmask emits one event per bit of the hex byte at offset 10.
func decodeBitmask(channels int) lineDecoder {
	return func(line string) ([]ModuleEvent, error) {
		if len(line) <= valueOffset {
			return nil, errTruncated
		}
		v, err := parseHexPrefix(line[valueOffset:])
		if err != nil {
			return nil, err
		}
		return bitEvents(line[:moduleAddressLen], v, channels), nil
	}
}

func decodeDimmer(line string) ([]ModuleEvent, error) {
	const channels = 7
	if len(line) < valueOffset+2*channels {
		return nil, errTruncated
	}

	module := line[:moduleAddressLen]
	events := make([]ModuleEvent, 0, channels)
	for k := 0; k < channels; k++ {
		start := valueOffset + 2*k
		v, err := parseHexPrefix(line[start : start+2])
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", k, err)
		}
		events = append(events, ModuleEvent{Module: module, Channel: k, Value: float64(v)})
	}
	return events, nil
}

func decodeThermostat(line string) ([]ModuleEvent, error) {
	if len(line) <= thermostatMarkPos {
		return nil, errTruncated
	}
	if line[thermostatMarkPos] != thermostatMarker {
		// Setpoint and mode reports are not modelled.
		return nil, nil
	}

	rest := ""
	if len(line) > valueOffset {
		rest = line[valueOffset:]
	}
	token, _, _ := strings.Cut(rest, " ")
	if !isDecimal(token) {
		return nil, fmt.Errorf("temperature %q: not a decimal number", token)
	}
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return nil, fmt.Errorf("temperature %q: %w", token, err)
	}
	return []ModuleEvent{{Module: line[:moduleAddressLen], Channel: NoChannel, Value: v}}, nil
}

// isDecimal reports whether token is an optionally signed decimal with an
// optional fraction. ParseFloat alone would also take NaN, Inf and hex floats.
func isDecimal(token string) bool {
	if token != "" && (token[0] == '-' || token[0] == '+') {
		token = token[1:]
	}
	whole, frac, hasPoint := strings.Cut(token, ".")
	if whole == "" || !allDigits(whole) {
		return false
	}
	return !hasPoint || (frac != "" && allDigits(frac))
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func decodeDetector(line string) ([]ModuleEvent, error) {
	if len(line) <= valueOffset {
		return nil, errTruncated
	}
	v, err := parseHexPrefix(line[valueOffset:])
	if err != nil {
		return nil, err
	}
	return []ModuleEvent{{Module: line[:moduleAddressLen], Channel: 0, Value: float64(v & 1)}}, nil
}

// decodeInputs assembles the little-endian 3-byte input mask at offset 10.
func decodeInputs(channels int) lineDecoder {
	return func(line string) ([]ModuleEvent, error) {
		if len(line) < valueOffset+6 {
			return nil, errTruncated
		}
		le := line[valueOffset+4:valueOffset+6] + line[valueOffset+2:valueOffset+4] + line[valueOffset:valueOffset+2]
		v, err := parseHexPrefix(le)
		if err != nil {
			return nil, err
		}
		return bitEvents(line[:moduleAddressLen], v, channels), nil
	}
}

func decodeAnalogOut(line string) ([]ModuleEvent, error) {
	if len(line) < valueOffset+2 {
		return nil, errTruncated
	}
	v, err := parseHexPrefix(line[valueOffset : valueOffset+2])
	if err != nil {
		return nil, err
	}
	return []ModuleEvent{{Module: line[:moduleAddressLen], Channel: 0, Value: float64(v)}}, nil
}

// decodeShutter splits the TRV byte into four 2-bit direction codes.
func decodeShutter(line string) ([]ModuleEvent, error) {
	const channels = 4
	if len(line) < valueOffset+2 {
		return nil, errTruncated
	}
	v, err := parseHexPrefix(line[valueOffset : valueOffset+2])
	if err != nil {
		return nil, err
	}

	module := line[:moduleAddressLen]
	events := make([]ModuleEvent, 0, channels)
	for k := 0; k < channels; k++ {
		events = append(events, ModuleEvent{Module: module, Channel: k, Value: float64((v >> (2 * k)) & 3)})
	}
	return events, nil
}

func bitEvents(module string, mask uint64, channels int) []ModuleEvent {
	events := make([]ModuleEvent, 0, channels)
	for k := 0; k < channels; k++ {
		events = append(events, ModuleEvent{Module: module, Channel: k, Value: float64((mask >> k) & 1)})
	}
	return events
}

// errTruncated is wrapped into ErrMalformedLine by DecodeLine.
var errTruncated = errors.New("line too short")

// parseHexPrefix parses the longest run of hex digits after leading blanks,
// the way the controller's own clients read numeric fields. Trailing
// separators such as ":" or spaces are ignored; no digits is an error.
func parseHexPrefix(s string) (uint64, error) {
	s = strings.TrimLeft(s, " \t")

	end := 0
	for end < len(s) && isHexDigit(s[end]) {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("no hex digits in %q", s)
	}

	v, err := strconv.ParseUint(s[:end], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("hex %q: %w", s[:end], err)
	}
	return v, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// clampPercent limits a level to 0-100.
func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
