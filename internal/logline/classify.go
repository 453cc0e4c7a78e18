package logline

import (
	"regexp"
	"strings"
)

// Origin identifies which stream a line was read from.
type Origin int

const (
	Stdout Origin = iota
	Stderr
)

func (o Origin) String() string {
	if o == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Class is the result of classifying one line of child output.
type Class int

const (
	// ReadinessMarker lines signal the backend finished starting.
	ReadinessMarker Class = iota
	// AccessLog lines are per-request log output from the backend's HTTP layer.
	AccessLog
	// BenignWarning lines are recognized noise (dev-server banners, library
	// deprecation warnings) that must never fail startup.
	BenignWarning
	// FatalError lines are unrecognized stderr output; fatal only while the
	// supervisor is still awaiting readiness.
	FatalError
)

func (c Class) String() string {
	switch c {
	case ReadinessMarker:
		return "readiness_marker"
	case AccessLog:
		return "access_log"
	case BenignWarning:
		return "benign_warning"
	default:
		return "fatal_error"
	}
}

// Line is one classified unit of child output.
type Line struct {
	Origin Origin
	Text   string
	Class  Class
}

// rule pairs a predicate with the class to assign when it matches.
// Rules are evaluated in order; the first match wins.
type rule struct {
	match func(string) bool
	class Class
}

// accessLogRE matches the request-log shape the backend's HTTP layer emits,
// e.g. `127.0.0.1 - - [date] "GET /health HTTP/1.1" 200 -`.
var accessLogRE = regexp.MustCompile(`"(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS) [^"]* HTTP/1\.[01]" \d{3}`)

// startupInfoPhrases are informational startup lines the backend and its HTTP
// layer print to stderr during boot.
var startupInfoPhrases = []string{
	"Running on",
	"Serving Flask app",
	"Starting server on",
	"Press CTRL+C to quit",
	"Debug mode:",
	"Debugger is active",
	"Debugger PIN",
	"Restarting with",
}

// benignNoise are substrings of known-noisy library warnings. Matching is by
// substring so version-specific framing around the phrase does not matter.
var benignNoise = []string{
	"WARNING: This is a development server",
	"DeprecationWarning",
	"LangChainDeprecationWarning",
	"InsecureRequestWarning",
	"UserWarning",
	"FutureWarning",
	"warnings.warn",
	"TqdmWarning",
	"NotOpenSSLWarning",
}

// Classifier classifies child output lines. Readiness markers are supplied by
// the caller; the stderr rule table is fixed and ordered.
type Classifier struct {
	markers []string
	stderr  []rule
}

// New builds a Classifier recognizing the given readiness marker substrings.
func New(markers []string) *Classifier {
	c := &Classifier{markers: append([]string(nil), markers...)}
	c.stderr = []rule{
		{match: accessLogRE.MatchString, class: AccessLog},
		{match: containsAny(startupInfoPhrases), class: BenignWarning},
		{match: containsAny(benignNoise), class: BenignWarning},
	}
	return c
}

func containsAny(subs []string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

// IsMarker reports whether text contains any configured readiness marker.
func (c *Classifier) IsMarker(text string) bool {
	for _, m := range c.markers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Classify assigns a class to one line of output.
//
// Stdout lines are never fatal: they are either readiness markers or plain
// informational output. Stderr lines run through the ordered rule table;
// anything unrecognized classifies as FatalError, and the supervisor decides
// whether that matters based on its own phase. A readiness marker printed to
// stderr still counts: some runtimes route their startup banner there.
func (c *Classifier) Classify(origin Origin, text string) Line {
	l := Line{Origin: origin, Text: text}
	if c.IsMarker(text) {
		l.Class = ReadinessMarker
		return l
	}
	if origin == Stdout {
		l.Class = BenignWarning
		return l
	}
	for _, r := range c.stderr {
		if r.match(text) {
			l.Class = r.class
			return l
		}
	}
	l.Class = FatalError
	return l
}
