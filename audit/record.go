package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header is the first line of an empty trail.
const Header = "TYPE,DAY,MONTH,YEAR,HOURS,MINUTES,SECONDS,CODE\n"

type Kind int

const (
	Connect Kind = iota
	Disconnect
	ServerConnect
	ServerDisconnect
	Error
)

var kindNames = map[Kind]string{
	Connect:          "CONNECT",
	Disconnect:       "DISCONNECT",
	ServerConnect:    "CONNECTION_SERVER",
	ServerDisconnect: "DISCONNECTION_SERVER",
	Error:            "ERROR",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown record kind %q", s)
}

// Reason codes written in the CODE column.
const (
	CodeServerConnect    = 100
	CodeConnect          = 200
	CodeServerDisconnect = 500
	CodeDisconnect       = 600
	CodeDeliveryFailed   = 700
	CodeRelayFault       = 701
	CodeEscalation       = 800
)

// Record is one line of the trail. Records are never modified once written.
type Record struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Code      int       `json:"code"`
}

// Fields returns the columns in on-disk order.
func (r Record) Fields() []string {
	t := r.Timestamp
	return []string{
		r.Kind.String(),
		t.Weekday().String(),
		t.Month().String(),
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Hour()),
		fmt.Sprintf("%02d", t.Minute()),
		fmt.Sprintf("%02d", t.Second()),
		strconv.Itoa(r.Code),
	}
}

func (r Record) Line() string {
	return strings.Join(r.Fields(), ",") + "\n"
}

// ParseLine decodes a line produced by Line. The line carries no day of month,
// so the weekday column is not round-tripped.
func ParseLine(line string) (Record, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(fields) != 8 {
		return Record{}, fmt.Errorf("expected 8 fields, got %d", len(fields))
	}
	kind, err := ParseKind(fields[0])
	if err != nil {
		return Record{}, err
	}
	ts, err := time.Parse("January,2006,15,04,05", strings.Join(fields[2:7], ","))
	if err != nil {
		return Record{}, fmt.Errorf("decode timestamp: %w", err)
	}
	code, err := strconv.Atoi(fields[7])
	if err != nil {
		return Record{}, fmt.Errorf("decode code: %w", err)
	}
	return Record{Kind: kind, Timestamp: ts, Code: code}, nil
}
