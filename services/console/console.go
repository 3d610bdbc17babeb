// Package console is a line-oriented operator console. Commands become
// requests on bms/control/<verb>; status is read from retained values.
package console

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/shlex"

	"bmscode-go/bus"
	"bmscode-go/internal/util"
	"bmscode-go/services/bms"
	"bmscode-go/types"
	"bmscode-go/x/conv"
	"bmscode-go/x/logx"
	"bmscode-go/x/strx"
)

const (
	serviceName    = "console"
	defaultPrompt  = "bms> "
	defaultTimeout = time.Second
	labelWidth     = 11
)

var topicConfig = bus.T("config", serviceName)

type Config struct {
	Prompt string `json:"prompt"`
}

const helpText = `commands:
  status                     show pack, protection and balancing
  reset [class|all]          clear latched faults
  enable chg|dis on|off      manual switch enables
  trip <class>               force a protection class to fault
  shutdown now               power the pack down (ship mode)
  help                       this text
classes: cell_ov cell_uv chg_oc dis_oc short ot ut dis_ut
`

type Service struct {
	conn    *bus.Connection
	in      io.Reader
	out     io.Writer
	prompt  string
	Timeout time.Duration

	// CRLF writes "\r\n" line endings for raw serial terminals.
	CRLF bool
}

func New(conn *bus.Connection, in io.Reader, out io.Writer) *Service {
	return &Service{conn: conn, in: in, out: out, prompt: defaultPrompt, Timeout: defaultTimeout}
}

// Run serves lines until EOF or ctx is done.
func (s *Service) Run(ctx context.Context) error {
	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)
	select {
	case m := <-cfgSub.Channel():
		s.applyConfig(m.Payload)
	default:
	}

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.in)
		sc.Split(scanLines)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- sc.Err()
	}()

	s.write(s.prompt)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-cfgSub.Channel():
			s.applyConfig(m.Payload)
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			s.Exec(ctx, line)
			s.write(s.prompt)
		}
	}
}

func (s *Service) applyConfig(payload any) {
	var cfg Config
	if err := util.DecodeJSON(payload, &cfg); err != nil {
		logx.Warnf(serviceName, "config: %v", err)
		return
	}
	s.prompt = strx.Coalesce(cfg.Prompt, defaultPrompt)
}

// Exec runs one command line.
func (s *Service) Exec(ctx context.Context, line string) {
	args, err := shlex.Split(line)
	if err != nil {
		s.write("error: " + err.Error() + "\n")
		return
	}
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "help", "?":
		s.write(helpText)
	case "status":
		s.status()
	case "reset":
		class := "all"
		if len(args) > 1 {
			class = args[1]
		}
		s.control(ctx, bms.VerbReset, types.ResetRequest{Class: class})
	case "enable":
		if len(args) != 3 {
			s.write("usage: enable chg|dis on|off\n")
			return
		}
		on, ok := parseOnOff(args[2])
		verb := map[string]string{"chg": bms.VerbChgEnable, "dis": bms.VerbDisEnable}[args[1]]
		if !ok || verb == "" {
			s.write("usage: enable chg|dis on|off\n")
			return
		}
		s.control(ctx, verb, types.EnableRequest{On: on})
	case "trip":
		if len(args) != 2 {
			s.write("usage: trip <class>\n")
			return
		}
		s.control(ctx, bms.VerbTrip, types.TripRequest{Class: args[1]})
	case "shutdown":
		if len(args) != 2 || args[1] != "now" {
			s.write("usage: shutdown now\n")
			return
		}
		s.control(ctx, bms.VerbShutdown, nil)
	default:
		s.write("unknown command " + args[0] + ", try help\n")
	}
}

// scanLines splits on CR, LF or CRLF; serial terminals send a bare CR.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	for i, c := range data {
		if c != '\n' && c != '\r' {
			continue
		}
		adv := i + 1
		if c == '\r' && adv < len(data) && data[adv] == '\n' {
			adv++
		}
		return adv, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "1", "true", "yes":
		return true, true
	case "off", "0", "false", "no":
		return false, true
	}
	return false, false
}

func (s *Service) control(ctx context.Context, verb string, payload any) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	reply, err := s.conn.RequestWait(ctx, s.conn.NewMessage(bms.ControlTopic(verb), payload, false))
	if err != nil {
		s.write("error: no reply (" + err.Error() + ")\n")
		return
	}
	r, ok := reply.Payload.(types.ControlReply)
	switch {
	case !ok:
		s.write("error: bad reply\n")
	case r.OK:
		s.write("ok\n")
	default:
		s.write("error: " + r.Error + "\n")
	}
}

func (s *Service) status() {
	if m, ok := retained(s.conn, bus.T(bms.TokBMS, bms.TokState)); ok {
		if st, ok := m.Payload.(types.BMSState); ok {
			s.row("state", st.Level+" ("+st.Status+")")
		}
	}
	m, ok := retained(s.conn, bus.T(bms.TokBMS, bms.TokPack, bms.TokValue))
	pv, isPack := m.Payload.(types.PackValue)
	if !ok || !isPack {
		s.write("no data\n")
		return
	}
	var buf [24]byte
	fx := func(v int64, d int) string { return string(conv.Fixed(buf[:], v, d)) }

	s.row("pack", fx(int64(pv.PackMilliV), 3)+" V  "+fx(int64(pv.CurrentMilliA), 3)+" A  soc "+
		fx(int64(pv.SoCPermille), 1)+" %  soh "+fx(int64(pv.SoHPermille), 1)+" %")
	cells := make([]string, len(pv.CellsMilliV))
	for i, mv := range pv.CellsMilliV {
		cells[i] = fx(int64(mv), 3)
	}
	s.row("cells", strings.Join(cells, " "))
	if len(pv.InvalidCells) > 0 {
		bad := make([]string, len(pv.InvalidCells))
		for i, c := range pv.InvalidCells {
			bad[i] = string(conv.Itoa(buf[:], int64(c)))
		}
		s.row("invalid", strings.Join(bad, " "))
	}
	temps := make([]string, len(pv.TempsMilliC))
	for i, mc := range pv.TempsMilliC {
		temps[i] = fx(int64(mc), 3)
	}
	s.row("temps", strings.Join(temps, " "))

	if m, ok := retained(s.conn, bus.T(bms.TokBMS, bms.TokProtection, bms.TokValue)); ok {
		if p, ok := m.Payload.(types.ProtectionValue); ok {
			s.row("mode", p.Mode+"  chg "+yesNo(p.ChargeAllowed)+"  dis "+yesNo(p.DischargeAllowed))
			for _, c := range p.Classes {
				if c.Level != "normal" {
					s.row(c.Class, c.Level)
				}
			}
			if len(p.Latched) > 0 {
				s.row("latched", strings.Join(p.Latched, " "))
			}
		}
	}
	if m, ok := retained(s.conn, bus.T(bms.TokBMS, bms.TokBalancing, bms.TokValue)); ok {
		if b, ok := m.Payload.(types.BalancingValue); ok {
			s.row("balancing", string(conv.Itoa(buf[:], int64(len(b.Cells))))+" cells  mask "+string(conv.U32Hex(buf[:], b.Mask)))
		}
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (s *Service) row(label, value string) {
	s.write(strx.PadRight(label, labelWidth) + value + "\n")
}

func (s *Service) write(str string) {
	if s.CRLF {
		str = strings.ReplaceAll(str, "\n", "\r\n")
	}
	_, _ = io.WriteString(s.out, str)
}

// retained returns the retained message on t, if any.
func retained(conn *bus.Connection, t bus.Topic) (*bus.Message, bool) {
	sub := conn.Subscribe(t)
	defer conn.Unsubscribe(sub)
	select {
	case m := <-sub.Channel():
		return m, true
	default:
		return nil, false
	}
}
