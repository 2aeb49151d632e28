package usage

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"
)

// ErrUnpricedEvent is returned when an event type has no row in the pricing
// table. It is a programming error, never a free charge.
var ErrUnpricedEvent = errors.New("event type has no price")

// Class is the complexity band of a charged input.
type Class string

const (
	ClassLow    Class = "low"
	ClassMedium Class = "medium"
	ClassHigh   Class = "high"
)

var Classes = []Class{ClassLow, ClassMedium, ClassHigh}

// AttachmentWeight is the signal contributed by each attachment.
const AttachmentWeight = 1500

// MaxAttachments is the most attachments a single action may carry.
const MaxAttachments = 100

// Input is what a costed action operates on.
type Input struct {
	Text        string
	Attachments int
}

// Signal is the deterministic size measure used for classification. It
// saturates at math.MaxInt, so oversized input always lands in the top band.
func Signal(in Input) int {
	attachments := in.Attachments
	if attachments < 0 {
		attachments = 0
	}
	text := utf8.RuneCountInString(in.Text)
	if attachments > (math.MaxInt-text)/AttachmentWeight {
		return math.MaxInt
	}
	return text + attachments*AttachmentWeight
}

// Bands are the lower bounds of the medium and high classes.
type Bands struct {
	Medium int
	High   int
}

var DefaultBands = Bands{Medium: 2000, High: 8000}

func (b Bands) Classify(signal int) Class {
	switch {
	case signal < b.Medium:
		return ClassLow
	case signal < b.High:
		return ClassMedium
	default:
		return ClassHigh
	}
}

// Event types and their base credit cost.
var BaseCredits = map[string]int64{
	"structuring_diagnose":           10,
	"structuring_generate_solution":  15,
	"visuals_planning":               8,
	"visuals_sketch":                 12,
	"solutioning_image_analysis":     8,
	"solutioning_ai_enhance":         12,
	"solutioning_structure_solution": 15,
	"solutioning_node_stack":         6,
	"solutioning_formatting":         5,
	"solutioning_hyper_canvas":       10,
	"push_structuring_to_visuals":    3,
	"push_visuals_to_solutioning":    3,
	"push_solutioning_to_sow":        5,
	"push_sow_to_loe":                5,
}

var classMultipliers = map[Class]float64{
	ClassLow:    1,
	ClassMedium: 1.5,
	ClassHigh:   2.5,
}

// Table maps event type and class to a credit cost.
type Table map[string]map[Class]int64

// Quote is the priced result for one input.
type Quote struct {
	EventType string
	Class     Class
	Signal    int
	Credits   int64
}

// Pricing is an immutable, total pricing table.
type Pricing struct {
	table Table
	bands Bands
}

// NewPricing validates that every event type prices every class with a
// non-negative cost and that the bands are ordered.
func NewPricing(table Table, bands Bands) (*Pricing, error) {
	if bands.Medium <= 0 || bands.High <= bands.Medium {
		return nil, fmt.Errorf("invalid complexity bands: medium=%d high=%d", bands.Medium, bands.High)
	}
	if len(table) == 0 {
		return nil, errors.New("pricing table is empty")
	}

	copied := make(Table, len(table))
	for eventType, row := range table {
		if eventType == "" {
			return nil, errors.New("pricing table has an empty event type")
		}
		copiedRow := make(map[Class]int64, len(Classes))
		for _, c := range Classes {
			cost, ok := row[c]
			if !ok {
				return nil, fmt.Errorf("event type %q has no %s price", eventType, c)
			}
			if cost < 0 {
				return nil, fmt.Errorf("event type %q has negative %s price %d", eventType, c, cost)
			}
			copiedRow[c] = cost
		}
		copied[eventType] = copiedRow
	}

	return &Pricing{table: copied, bands: bands}, nil
}

// DefaultTable derives a full table from BaseCredits.
func DefaultTable() Table {
	table := make(Table, len(BaseCredits))
	for eventType, base := range BaseCredits {
		row := make(map[Class]int64, len(Classes))
		for _, c := range Classes {
			row[c] = int64(math.Round(float64(base) * classMultipliers[c]))
		}
		table[eventType] = row
	}
	return table
}

// DefaultPricing is the built-in table with the default bands.
func DefaultPricing() *Pricing {
	p, err := NewPricing(DefaultTable(), DefaultBands)
	if err != nil {
		panic(err)
	}
	return p
}

// Quote classifies the input and returns its cost.
func (p *Pricing) Quote(eventType string, in Input) (Quote, error) {
	row, ok := p.table[eventType]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnpricedEvent, eventType)
	}
	signal := Signal(in)
	class := p.bands.Classify(signal)
	return Quote{
		EventType: eventType,
		Class:     class,
		Signal:    signal,
		Credits:   row[class],
	}, nil
}

// Knows reports whether the event type is priced.
func (p *Pricing) Knows(eventType string) bool {
	_, ok := p.table[eventType]
	return ok
}

// EventTypes lists the priced event types in sorted order.
func (p *Pricing) EventTypes() []string {
	out := make([]string, 0, len(p.table))
	for eventType := range p.table {
		out = append(out, eventType)
	}
	sort.Strings(out)
	return out
}
