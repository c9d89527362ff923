package ptyhost

import (
	"bytes"

	"pkt.systems/termlink/schema"
)

// modeState holds the private modes that matter to a re-attaching client.
type modeState struct {
	altScreen bool
	mouse1000 bool
	mouse1002 bool
	mouse1003 bool
	utf8      bool
	sgr       bool
	urxvt     bool
}

func (m modeState) mode() schema.TerminalMode {
	encoding := schema.DefaultMouseEncoding
	switch {
	case m.sgr:
		encoding = "sgr"
	case m.urxvt:
		encoding = "urxvt"
	case m.utf8:
		encoding = "utf8"
	}
	return schema.TerminalMode{
		AltScreen:     m.altScreen,
		Mouse:         m.mouse1000 || m.mouse1002 || m.mouse1003,
		MouseSGR:      m.sgr,
		MouseEncoding: encoding,
	}
}

// replayPrefix re-enters the tracked modes ahead of a backlog replay.
func (m modeState) replayPrefix() []byte {
	var out bytes.Buffer
	for _, entry := range []struct {
		on  bool
		seq string
	}{
		{m.altScreen, "\x1b[?1049h"},
		{m.mouse1000, "\x1b[?1000h"},
		{m.mouse1002, "\x1b[?1002h"},
		{m.mouse1003, "\x1b[?1003h"},
		{m.utf8, "\x1b[?1005h"},
		{m.sgr, "\x1b[?1006h"},
		{m.urxvt, "\x1b[?1015h"},
	} {
		if entry.on {
			out.WriteString(entry.seq)
		}
	}
	return out.Bytes()
}

const (
	parseGround = iota
	parseEscape
	parseCSI
)

// modeParser tracks DEC private mode set/reset sequences (CSI ? Pm h/l)
// byte by byte, so sequences split across reads are still recognised.
type modeParser struct {
	state      int
	private    bool
	params     []int
	current    int
	hasCurrent bool
	modes      modeState
}

// feed consumes output and reports whether the tracked modes changed.
func (p *modeParser) feed(data []byte) bool {
	before := p.modes
	for _, b := range data {
		p.consume(b)
	}
	return before != p.modes
}

func (p *modeParser) consume(b byte) {
	switch p.state {
	case parseGround:
		switch b {
		case 0x1b:
			p.state = parseEscape
		case 0x9b:
			p.enterCSI()
		}
	case parseEscape:
		switch b {
		case '[':
			p.enterCSI()
		case 0x1b:
		default:
			p.reset()
		}
	case parseCSI:
		switch {
		case b == '?' && !p.private && len(p.params) == 0 && !p.hasCurrent:
			p.private = true
		case b >= '0' && b <= '9':
			p.current = p.current*10 + int(b-'0')
			p.hasCurrent = true
		case b == ';':
			p.params = append(p.params, p.current)
			p.current = 0
			p.hasCurrent = false
		case (b == 'h' || b == 'l') && p.private:
			if p.hasCurrent {
				p.params = append(p.params, p.current)
			}
			for _, param := range p.params {
				p.apply(param, b == 'h')
			}
			p.reset()
		case b == 0x1b:
			p.reset()
			p.state = parseEscape
		default:
			p.reset()
		}
	}
}

func (p *modeParser) enterCSI() {
	p.state = parseCSI
	p.private = false
	p.params = p.params[:0]
	p.current = 0
	p.hasCurrent = false
}

func (p *modeParser) reset() {
	p.state = parseGround
	p.private = false
	p.params = p.params[:0]
	p.current = 0
	p.hasCurrent = false
}

func (p *modeParser) apply(param int, on bool) {
	switch param {
	case 47, 1047, 1049:
		p.modes.altScreen = on
	case 1000:
		p.modes.mouse1000 = on
	case 1002:
		p.modes.mouse1002 = on
	case 1003:
		p.modes.mouse1003 = on
	case 1005:
		p.modes.utf8 = on
	case 1006:
		p.modes.sgr = on
	case 1015:
		p.modes.urxvt = on
	}
}
