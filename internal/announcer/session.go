package announcer

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"firestige.xyz/sap/internal/config"
	"firestige.xyz/sap/internal/sdp"
	"firestige.xyz/sap/pkg/sap"
)

// ErrDocument wraps failures to load or build a session document.
var ErrDocument = errors.New("session document")

// Session is one locally announced SDP document together with its encoded
// Announce and Delete packets.
type Session struct {
	// Path is the document file, empty for built documents.
	Path     string
	Title    string
	Document []byte
	ID       uint16

	announce []byte
	delete   []byte
}

// NewSession encodes doc for origin. The message id is derived from doc.
func NewSession(path string, doc []byte, origin netip.Addr) (*Session, error) {
	id := sap.MessageIDFor(doc)
	ann, err := sap.Encode(doc, id, origin, sap.Announce)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDocument, err)
	}
	del, err := sap.Encode(doc, id, origin, sap.Delete)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDocument, err)
	}
	title, _ := sap.ExtractTitle(string(doc))
	return &Session{
		Path:     path,
		Title:    title,
		Document: doc,
		ID:       id,
		announce: ann,
		delete:   del,
	}, nil
}

// LoadSession reads the document at path.
func LoadSession(path string, origin netip.Addr) (*Session, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDocument, err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrDocument, path)
	}
	return NewSession(path, doc, origin)
}

// SessionsFromConfig loads or builds every configured session.
func SessionsFromConfig(specs []config.SessionSpec, origin netip.Addr) ([]*Session, error) {
	out := make([]*Session, 0, len(specs))
	for i, spec := range specs {
		if spec.Document != "" {
			s, err := LoadSession(spec.Document, origin)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
			continue
		}

		desc, err := descriptionFor(spec, origin)
		if err != nil {
			return nil, fmt.Errorf("%w: session %d: %w", ErrDocument, i, err)
		}
		s, err := NewSession("", sdp.Build(desc), origin)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func descriptionFor(spec config.SessionSpec, origin netip.Addr) (sdp.Description, error) {
	d := sdp.Description{
		Name:           spec.Name,
		Origin:         origin,
		Port:           spec.Port,
		PayloadType:    spec.PayloadType,
		Encoding:       spec.Encoding,
		ClockRate:      spec.ClockRate,
		ProfileLevelID: spec.ProfileLevelID,
		TTL:            spec.TTL,
	}
	if spec.Group != "" {
		g, err := netip.ParseAddr(spec.Group)
		if err != nil || !g.Is4() || !g.IsMulticast() {
			return d, fmt.Errorf("invalid media group %q", spec.Group)
		}
		d.Group = g
	}
	if spec.Source != "" {
		s, err := netip.ParseAddr(spec.Source)
		if err != nil || !s.Is4() {
			return d, fmt.Errorf("invalid source %q", spec.Source)
		}
		d.Source = s
	}
	return d, nil
}
