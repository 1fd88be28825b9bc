// SPDX-License-Identifier: MPL-2.0

// Package calendar turns event descriptions, as text or as a picture, into
// iCalendar documents by asking a chat model.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/charmbracelet/log"

	"github.com/aicalamba/aicalamba/internal/llm"
)

const (
	// DefaultTimeZone is the zone event times are assumed to be in.
	DefaultTimeZone = "Europe/Berlin"
	// DefaultTimeZoneLabel is the short zone name used in the prompt.
	DefaultTimeZoneLabel = "CEST"

	// previewBytes is how many image bytes Image.String shows.
	previewBytes = 20
)

var (
	// ErrNoResponse is returned when the model answers with nothing usable.
	ErrNoResponse = errors.New("no LLM response")
	// ErrEmptyInput is returned for blank text or an empty image.
	ErrEmptyInput = errors.New("empty event description")
)

type (
	// Input is an event description handed to Extract: Text or Image.
	Input interface {
		fmt.Stringer
		request(prompt string) llm.Request
		empty() bool
	}

	// Text is a textual event description.
	Text string

	// Image is a JPEG picture of an event announcement.
	Image []byte

	// Extractor builds prompts and asks a chat model for iCalendar text.
	Extractor struct {
		client    llm.Client
		zone      string
		zoneLabel string
		now       func() time.Time
		logger    *log.Logger
	}

	// Option configures an Extractor.
	Option func(*Extractor)
)

// WithClock replaces the clock used for the "current date" in prompts.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		e.now = now
	}
}

// WithTimeZone sets the zone name and its short label used in prompts.
func WithTimeZone(zone, label string) Option {
	return func(e *Extractor) {
		if zone != "" {
			e.zone = zone
		}
		if label != "" {
			e.zoneLabel = label
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// NewExtractor creates an Extractor backed by client.
func NewExtractor(client llm.Client, opts ...Option) *Extractor {
	e := &Extractor{
		client:    client,
		zone:      DefaultTimeZone,
		zoneLabel: DefaultTimeZoneLabel,
		now:       time.Now,
		logger:    log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the iCalendar text the model produced for in. Output
// that does not parse as iCalendar is logged and returned anyway.
func (e *Extractor) Extract(ctx context.Context, in Input) (string, error) {
	if in == nil || in.empty() {
		return "", ErrEmptyInput
	}
	e.logger.Debug("extracting event", "input", in.String())

	content, usage, err := e.client.Complete(ctx, in.request(e.prompt()))
	if err != nil {
		if errors.Is(err, llm.ErrNoResponse) {
			return "", ErrNoResponse
		}
		return "", fmt.Errorf("extract event: %w", err)
	}
	e.logger.Debug("model answered", "tokens", usage.TotalTokens, "content", strconv.Quote(content))

	content = StripFences(content)
	if content == "" {
		return "", ErrNoResponse
	}

	if n, err := Check(content); err != nil {
		e.logger.Error("failed to parse iCal content", "err", err)
	} else {
		e.logger.Debug("parsed iCal content", "events", n)
	}
	return content, nil
}

// prompt returns the instructions shared by text and image input.
func (e *Extractor) prompt() string {
	today := e.now().UTC().Format(time.DateOnly)
	return "Extract the information and format it in text format according to the iCal specification.\n" +
		"Return nothing but that text.\n" +
		"If date info is missing, such as the current year, month or day, fill it in from the current date, which is " + today + ".\n" +
		"If no wall clock time is mentioned, make it an all-day event.\n" +
		"Assume event times are in " + e.zone + " aka " + e.zoneLabel + " timezone.\n" +
		"Pay attention to events spanning multiple days, and recurring events.\n" +
		"If only a start time is mentioned but no end time, assume one hour duration."
}

// Check parses content as iCalendar and returns the number of events.
func Check(content string) (int, error) {
	cal, err := ics.ParseCalendar(strings.NewReader(content))
	if err != nil {
		return 0, err
	}
	return len(cal.Events()), nil
}

// StripFences removes a Markdown code fence wrapped around the whole answer.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return strings.TrimSpace(strings.Trim(s, "`"))
	}
	s = strings.TrimSuffix(strings.TrimSpace(s[nl+1:]), "```")
	return strings.TrimSpace(s)
}

// String implements fmt.Stringer.
func (t Text) String() string {
	q := strconv.Quote(string(t))
	return "Text(" + q[1:len(q)-1] + ")"
}

func (t Text) empty() bool { return strings.TrimSpace(string(t)) == "" }

func (t Text) request(prompt string) llm.Request {
	return llm.Request{
		Text: "The following is the textual description of an event. " + prompt + "\nThe text is:\n\n" + string(t),
	}
}

// String implements fmt.Stringer, showing at most the first 20 bytes.
func (i Image) String() string {
	return fmt.Sprintf("Image(%v)", []byte(i[:min(len(i), previewBytes)]))
}

func (i Image) empty() bool { return len(i) == 0 }

func (i Image) request(prompt string) llm.Request {
	return llm.Request{
		Text:   "The following is a picture containing information for an event. " + prompt + "\nThe image is shown below.",
		Images: []llm.Image{llm.JPEG(i)},
	}
}
