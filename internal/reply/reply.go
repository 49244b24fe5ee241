// Package reply renders the emails sent back to guests.
package reply

import (
	"bytes"
	"embed"
	"fmt"
	"net/mail"
	"strings"
	"text/template"
	"unicode"

	"github.com/staydesk/staydesk/internal/availability"
	"github.com/staydesk/staydesk/internal/config"
	"github.com/staydesk/staydesk/internal/nlp"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// Kind names a reply template
type Kind string

const (
	KindAvailability   Kind = "availability"
	KindNoAvailability Kind = "no_availability"
	KindClarification  Kind = "clarification"
	KindGeneric        Kind = "generic"
)

var kinds = []Kind{KindAvailability, KindNoAvailability, KindClarification, KindGeneric}

// Data contains all data available to reply templates
type Data struct {
	CustomerName string
	HotelName    string
	Signature    string

	// Clarification
	Questions []string

	// Availability
	CheckIn      string
	RoomCount    int
	Rooms        []availability.Room
	Alternatives []availability.Alternative
	Message      string
}

// Reply is a rendered email ready to send
type Reply struct {
	Kind    Kind   `json:"kind"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Renderer handles reply template rendering
type Renderer struct {
	templates map[Kind]*template.Template
	hotel     config.HotelConfig
}

var funcs = template.FuncMap{
	"price": func(v float64) string { return fmt.Sprintf("$%.2f", v) },
	"join":  strings.Join,
}

// NewRenderer parses the embedded templates
func NewRenderer(hotel config.HotelConfig) (*Renderer, error) {
	r := &Renderer{
		templates: make(map[Kind]*template.Template),
		hotel:     hotel,
	}

	for _, kind := range kinds {
		name := string(kind)
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[kind] = tmpl
	}

	return r, nil
}

// Clarification asks the guest the result's clarification questions
func (r *Renderer) Clarification(result nlp.Result) (*Reply, error) {
	data := r.baseData(result)
	data.Questions = result.ClarificationQuestions
	return r.render(KindClarification, result, data)
}

// Generic acknowledges the email and promises a human follow-up
func (r *Renderer) Generic(result nlp.Result) (*Reply, error) {
	return r.render(KindGeneric, result, r.baseData(result))
}

// Availability lists the rooms the backend found
func (r *Renderer) Availability(result nlp.Result, req availability.Request, resp *availability.Response) (*Reply, error) {
	data := r.baseData(result)
	data.CheckIn = req.CheckInDate.String()
	data.RoomCount = req.RoomCount
	if resp != nil {
		data.Rooms = resp.AvailableRooms
		data.Message = resp.Message
	}
	return r.render(KindAvailability, result, data)
}

// NoAvailability apologizes and offers the backend's alternative dates
func (r *Renderer) NoAvailability(result nlp.Result, req availability.Request, resp *availability.Response) (*Reply, error) {
	data := r.baseData(result)
	data.CheckIn = req.CheckInDate.String()
	data.RoomCount = req.RoomCount
	if resp != nil {
		data.Alternatives = resp.SuggestedAlternatives
		if len(data.Alternatives) > 3 {
			data.Alternatives = data.Alternatives[:3]
		}
	}
	return r.render(KindNoAvailability, result, data)
}

func (r *Renderer) baseData(result nlp.Result) Data {
	return Data{
		CustomerName: CustomerName(result.Sender),
		HotelName:    r.hotel.Name,
		Signature:    r.hotel.Signature,
	}
}

func (r *Renderer) render(kind Kind, result nlp.Result, data Data) (*Reply, error) {
	tmpl, ok := r.templates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown template: %s", kind)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}

	return &Reply{
		Kind:    kind,
		To:      senderAddress(result.Sender),
		Subject: Subject(result.Subject),
		Body:    strings.TrimSpace(buf.String()) + "\n",
	}, nil
}

// Subject prefixes the original subject with "Re: " once
func Subject(original string) string {
	original = strings.TrimSpace(original)
	if original == "" {
		return "Re: Your inquiry"
	}
	if strings.HasPrefix(strings.ToLower(original), "re:") {
		return original
	}
	return "Re: " + original
}

// CustomerName derives a greeting name from the sender address:
// "john.smith42@example.com" becomes "John Smith". Digits are dropped and
// "Guest" is returned when nothing is left.
func CustomerName(sender string) string {
	addr := senderAddress(sender)
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "Guest"
	}

	local := strings.NewReplacer(".", " ", "_", " ", "-", " ", "+", " ").Replace(addr[:at])
	var parts []string
	for _, part := range strings.Fields(local) {
		part = strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return -1
			}
			return r
		}, part)
		if part == "" {
			continue
		}
		runes := []rune(strings.ToLower(part))
		runes[0] = unicode.ToUpper(runes[0])
		parts = append(parts, string(runes))
	}

	if len(parts) == 0 {
		return "Guest"
	}
	return strings.Join(parts, " ")
}

// senderAddress strips a display name from the sender
func senderAddress(sender string) string {
	if a, err := mail.ParseAddress(sender); err == nil {
		return a.Address
	}
	return strings.TrimSpace(sender)
}
