package api

import (
	"net/http"
	"time"

	"github.com/atelier-run/atelier/pkg/collab"
	"github.com/gorilla/websocket"
)

const (
	wsReadLimit    = 1 << 20
	wsReadTimeout  = 90 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// CollabGateway is the slice of the collaboration gateway the transport
// needs
type CollabGateway interface {
	Connect(userID, userName string) (*collab.Session, error)
	Resume(token, userID, userName string) (*collab.Session, []*collab.ServerFrame, error)
	Disconnect(sess *collab.Session) *collab.RecoveryRecord
	HandleFrame(sess *collab.Session, data []byte)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens in middleware; cross-origin browser clients are
	// expected
	CheckOrigin: func(r *http.Request) bool { return true },
}

// collabHandler upgrades to WebSocket and bridges frames between the
// connection and the gateway. Admission runs before the upgrade so
// rejections surface as plain HTTP statuses.
func (s *Server) collabHandler(gateway CollabGateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "user_id is required", Code: "validation"})
			return
		}
		userName := r.URL.Query().Get("user_name")

		var sess *collab.Session
		var backlog []*collab.ServerFrame
		var err error
		if token := r.URL.Query().Get("token"); token != "" {
			sess, backlog, err = gateway.Resume(token, userID, userName)
		} else {
			sess, err = gateway.Connect(userID, userName)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			gateway.Disconnect(sess)
			return
		}
		conn.SetReadLimit(wsReadLimit)

		hello := &collab.ServerFrame{
			Type:      collab.FrameSession,
			SessionID: sess.ID,
			Token:     sess.ResumeToken,
		}
		frames := append([]*collab.ServerFrame{hello}, backlog...)

		// Writer: initial frames, then the session's outbound queue
		go func() {
			defer conn.Close()
			for _, frame := range frames {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
			for frame := range sess.Out() {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}()

		// Reader: every inbound message resets the idle deadline
		for {
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			gateway.HandleFrame(sess, data)
		}
		gateway.Disconnect(sess)
		conn.Close()
	}
}
