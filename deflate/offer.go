// File: deflate/offer.go
// Package deflate implements permessage-deflate (RFC 7692) negotiation and
// the per-message compression codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package deflate

import (
	"fmt"
	"strconv"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/httpmsg"
)

// ExtensionName is the only extension this library negotiates.
const ExtensionName = "permessage-deflate"

// WindowBits is a tri-state parameter value: absent, present without value,
// or 8..15.
type WindowBits int8

const (
	WindowAbsent  WindowBits = -1
	WindowNoValue WindowBits = 0
)

// Valid reports whether the value is one of the three admissible shapes.
func (w WindowBits) Valid() bool {
	return w == WindowAbsent || w == WindowNoValue || (w >= 8 && w <= 15)
}

// Offer is one permessage-deflate parameter set, from either direction of
// the negotiation.
type Offer struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     WindowBits
	ClientMaxWindowBits     WindowBits
}

// NewOffer returns the empty parameter set (both window fields absent).
func NewOffer() Offer {
	return Offer{ServerMaxWindowBits: WindowAbsent, ClientMaxWindowBits: WindowAbsent}
}

// DefaultClientOffer is what a client endpoint advertises: bare
// client_max_window_bits signals the peer may pick a window size for us.
func DefaultClientOffer() Offer {
	o := NewOffer()
	o.ClientMaxWindowBits = WindowNoValue
	return o
}

func parseWindowParam(p httpmsg.Param) (WindowBits, error) {
	if !p.HasValue {
		return WindowNoValue, nil
	}
	n, err := strconv.Atoi(p.Value)
	if err != nil || n < 8 || n > 15 {
		return WindowAbsent, fmt.Errorf("bad %s value %q", p.Name, p.Value)
	}
	return WindowBits(n), nil
}

// ParseOffer parses one element of a Sec-WebSocket-Extensions list. A nil
// error means a syntactically valid permessage-deflate parameter set.
func ParseOffer(raw string) (Offer, error) {
	o := NewOffer()
	pt, err := httpmsg.ParseParameterized(raw)
	if err != nil {
		return o, err
	}
	if !pt.TokenIs(ExtensionName) {
		return o, fmt.Errorf("unknown extension %q", pt.Token)
	}
	seen := map[string]bool{}
	for _, p := range pt.Params {
		name := p.Name
		if seen[name] {
			return o, fmt.Errorf("duplicate parameter %q", name)
		}
		seen[name] = true
		switch name {
		case "server_no_context_takeover":
			if p.HasValue {
				return o, fmt.Errorf("unexpected value for %q", name)
			}
			o.ServerNoContextTakeover = true
		case "client_no_context_takeover":
			if p.HasValue {
				return o, fmt.Errorf("unexpected value for %q", name)
			}
			o.ClientNoContextTakeover = true
		case "server_max_window_bits":
			if o.ServerMaxWindowBits, err = parseWindowParam(p); err != nil {
				return o, err
			}
		case "client_max_window_bits":
			if o.ClientMaxWindowBits, err = parseWindowParam(p); err != nil {
				return o, err
			}
		default:
			return o, fmt.Errorf("unknown parameter %q", name)
		}
	}
	return o, nil
}

// Format renders the offer back to a Sec-WebSocket-Extensions element.
func (o Offer) Format() string {
	pt := &httpmsg.Parameterized{Token: ExtensionName}
	if o.ServerNoContextTakeover {
		pt.Params = append(pt.Params, httpmsg.Param{Name: "server_no_context_takeover"})
	}
	if o.ClientNoContextTakeover {
		pt.Params = append(pt.Params, httpmsg.Param{Name: "client_no_context_takeover"})
	}
	pt.Params = appendWindowParam(pt.Params, "server_max_window_bits", o.ServerMaxWindowBits)
	pt.Params = appendWindowParam(pt.Params, "client_max_window_bits", o.ClientMaxWindowBits)
	return pt.Format()
}

func appendWindowParam(params []httpmsg.Param, name string, w WindowBits) []httpmsg.Param {
	switch {
	case w == WindowAbsent:
		return params
	case w == WindowNoValue:
		return append(params, httpmsg.Param{Name: name})
	default:
		return append(params, httpmsg.Param{Name: name, Value: strconv.Itoa(int(w)), HasValue: true})
	}
}

// serverCanHonor reports whether this implementation can comply with the
// offer. The compressor always runs with the full 32 KiB window, so an offer
// demanding a smaller server window cannot be honored and is skipped.
func serverCanHonor(o Offer) bool {
	switch o.ServerMaxWindowBits {
	case WindowAbsent, WindowNoValue, 15:
		return true
	}
	return false
}

// Negotiate picks the server's parameter set from the raw extension elements
// of a client request. It returns the agreed parameters and true, or false
// when no offer is both syntactically valid and servable.
//
// The response echoes a subset of the chosen offer: no-context-takeover
// requests are honored verbatim, server_max_window_bits=15 is echoed, and
// client_max_window_bits is never claimed.
func Negotiate(rawOffers []string) (Offer, bool) {
	for _, raw := range rawOffers {
		o, err := ParseOffer(raw)
		if err != nil || !serverCanHonor(o) {
			continue
		}
		resp := NewOffer()
		resp.ServerNoContextTakeover = o.ServerNoContextTakeover
		resp.ClientNoContextTakeover = o.ClientNoContextTakeover
		if o.ServerMaxWindowBits == 15 {
			resp.ServerMaxWindowBits = 15
		}
		return resp, true
	}
	return NewOffer(), false
}

// AcceptResponse validates the server's parameter set against what the
// client offered. Window-bits parameters must have been offered;
// no-context-takeover parameters only tighten behavior either side can
// honor and are accepted unconditionally.
func AcceptResponse(offered, response Offer) bool {
	if response.ServerMaxWindowBits != WindowAbsent && offered.ServerMaxWindowBits == WindowAbsent {
		return false
	}
	if response.ClientMaxWindowBits != WindowAbsent && offered.ClientMaxWindowBits == WindowAbsent {
		return false
	}
	// A client_max_window_bits below our full window cannot be honored.
	if response.ClientMaxWindowBits >= 8 && response.ClientMaxWindowBits < 15 {
		return false
	}
	return true
}

// Config is the per-endpoint compression configuration derived from the
// agreed parameter set.
type Config struct {
	Enabled bool
	// OutboundNoContextTakeover resets the deflater between messages.
	OutboundNoContextTakeover bool
	// InboundNoContextTakeover resets the inflater between messages.
	InboundNoContextTakeover bool
}

// ConfigFor maps the agreed parameters onto one endpoint's two stream
// directions.
func (o Offer) ConfigFor(role api.Role) Config {
	if role == api.RoleServer {
		return Config{
			Enabled:                   true,
			OutboundNoContextTakeover: o.ServerNoContextTakeover,
			InboundNoContextTakeover:  o.ClientNoContextTakeover,
		}
	}
	return Config{
		Enabled:                   true,
		OutboundNoContextTakeover: o.ClientNoContextTakeover,
		InboundNoContextTakeover:  o.ServerNoContextTakeover,
	}
}
