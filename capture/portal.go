package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/godbus/dbus/v5"
)

// xdg-desktop-portal ScreenCast handshake. The portal hands us a
// PipeWire node (and a connection fd) that an external frame producer
// consumes; the session itself never decodes PipeWire streams.
const (
	portalDest      = "org.freedesktop.portal.Desktop"
	portalPath      = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
)

// Portal source type and cursor mode bits, from the ScreenCast API.
const (
	portalSourceMonitor  uint32 = 1
	portalCursorEmbedded uint32 = 2
)

// PortalStream describes one stream granted by the portal dialog.
type PortalStream struct {
	NodeID uint32
	Width  int32
	Height int32
}

// PortalSession is an open ScreenCast session. Close releases the session
// and its signal subscription.
type PortalSession struct {
	log     *slog.Logger
	conn    *dbus.Conn
	handle  dbus.ObjectPath
	signals chan *dbus.Signal

	// Streams holds the granted screen streams, populated by Start.
	Streams []PortalStream

	// PipeWireFD is the portal's PipeWire connection, populated by
	// OpenPipeWireRemote. -1 until then.
	PipeWireFD int
}

// NewPortalSession connects to the session bus and creates a ScreenCast
// session. The user-facing picker is not shown until Start.
func NewPortalSession(ctx context.Context, logger *slog.Logger) (*PortalSession, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	s := &PortalSession{
		log:        logger.With("component", "portal"),
		conn:       conn,
		signals:    make(chan *dbus.Signal, 16),
		PipeWireFD: -1,
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, fmt.Errorf("subscribe portal responses: %w", err)
	}
	conn.Signal(s.signals)

	results, err := s.call(ctx, "CreateSession", map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(token()),
		"session_handle_token": dbus.MakeVariant(token()),
	})
	if err != nil {
		return nil, fmt.Errorf("create screencast session: %w", err)
	}

	var handle string
	if v, ok := results["session_handle"]; ok {
		handle, _ = v.Value().(string)
	}
	if handle == "" {
		return nil, fmt.Errorf("portal returned no session handle")
	}
	s.handle = dbus.ObjectPath(handle)

	s.log.Info("screencast session created", "handle", handle)
	return s, nil
}

// SelectSources asks for a single monitor stream with the cursor drawn
// into the frames.
func (s *PortalSession) SelectSources(ctx context.Context) error {
	_, err := s.call(ctx, "SelectSources", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token()),
		"types":        dbus.MakeVariant(portalSourceMonitor),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(portalCursorEmbedded),
	}, s.handle)
	if err != nil {
		return fmt.Errorf("select sources: %w", err)
	}
	return nil
}

// Start shows the compositor's picker dialog and records the granted
// streams.
func (s *PortalSession) Start(ctx context.Context) error {
	results, err := s.call(ctx, "Start", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token()),
	}, s.handle, "")
	if err != nil {
		return fmt.Errorf("start screencast: %w", err)
	}

	v, ok := results["streams"]
	if !ok {
		return fmt.Errorf("portal start response carried no streams")
	}

	var raw []struct {
		NodeID uint32
		Props  map[string]dbus.Variant
	}
	if err := dbus.Store([]interface{}{v.Value()}, &raw); err != nil {
		return fmt.Errorf("decode portal streams: %w", err)
	}

	for _, st := range raw {
		stream := PortalStream{NodeID: st.NodeID}
		if size, ok := st.Props["size"]; ok {
			var wh []int32
			if err := dbus.Store([]interface{}{size.Value()}, &wh); err == nil && len(wh) == 2 {
				stream.Width, stream.Height = wh[0], wh[1]
			}
		}
		s.Streams = append(s.Streams, stream)
		s.log.Info("stream granted", "node_id", stream.NodeID,
			"width", stream.Width, "height", stream.Height)
	}

	if len(s.Streams) == 0 {
		return fmt.Errorf("screencast request granted no streams")
	}
	return nil
}

// OpenPipeWireRemote fetches the PipeWire connection fd for the granted
// streams.
func (s *PortalSession) OpenPipeWireRemote() error {
	obj := s.conn.Object(portalDest, portalPath)

	var fd dbus.UnixFD
	err := obj.Call(screenCastIface+".OpenPipeWireRemote", 0,
		s.handle, map[string]dbus.Variant{}).Store(&fd)
	if err != nil {
		return fmt.Errorf("open pipewire remote: %w", err)
	}

	s.PipeWireFD = int(fd)
	return nil
}

// Close tears down the portal session.
func (s *PortalSession) Close() error {
	if s.handle != "" {
		obj := s.conn.Object(portalDest, s.handle)
		obj.Call("org.freedesktop.portal.Session.Close", 0)
	}
	s.conn.RemoveSignal(s.signals)
	return s.conn.Close()
}

// call invokes a ScreenCast method and waits for the matching Request
// Response signal, honoring ctx.
func (s *PortalSession) call(ctx context.Context, method string, options map[string]dbus.Variant, args ...interface{}) (map[string]dbus.Variant, error) {
	obj := s.conn.Object(portalDest, portalPath)

	callArgs := append(args, options)
	var reqPath dbus.ObjectPath
	if err := obj.CallWithContext(ctx, screenCastIface+"."+method, 0, callArgs...).Store(&reqPath); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sig, ok := <-s.signals:
			if !ok {
				return nil, fmt.Errorf("signal channel closed waiting for %s", method)
			}
			if sig.Path != reqPath || len(sig.Body) < 2 {
				continue
			}

			code, _ := sig.Body[0].(uint32)
			if code != 0 {
				return nil, fmt.Errorf("%s denied by user or portal (code %d)", method, code)
			}

			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		}
	}
}

func token() string {
	return fmt.Sprintf("loupe%d", rand.Int31())
}
