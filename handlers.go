package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kwv/sightline/sight"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow any origin; pose streams come from mobile web views
	},
}

// poseRequest is the identify/scan body. Pointers distinguish missing from zero.
type poseRequest struct {
	Lat                *float64              `json:"lat"`
	Lng                *float64              `json:"lng"`
	Heading            *float64              `json:"heading"`
	DepthMeters        *float64              `json:"depthMeters,omitempty"`
	HorizontalAccuracy *float64              `json:"horizontalAccuracy,omitempty"`
	HeadingAccuracy    *float64              `json:"headingAccuracy,omitempty"`
	Radius             float64               `json:"radius,omitempty"`
	Sensors            *sight.SensorSnapshot `json:"sensors,omitempty"`
	Image              string                `json:"image,omitempty"` // base64 JPEG
}

func (req poseRequest) pose() (sight.Pose, error) {
	required := []struct {
		field string
		v     *float64
	}{{"lat", req.Lat}, {"lng", req.Lng}, {"heading", req.Heading}}
	for _, r := range required {
		if r.v == nil {
			return sight.Pose{}, &sight.ValidationError{Field: r.field, Message: "is required"}
		}
	}
	p := sight.Pose{
		Latitude:           *req.Lat,
		Longitude:          *req.Lng,
		Heading:            *req.Heading,
		DepthMeters:        req.DepthMeters,
		HorizontalAccuracy: req.HorizontalAccuracy,
		HeadingAccuracy:    req.HeadingAccuracy,
	}
	if err := sight.ValidateCoordinates(p.Latitude, p.Longitude); err != nil {
		return sight.Pose{}, err
	}
	if err := sight.ValidateHeading(p.Heading); err != nil {
		return sight.Pose{}, err
	}
	return p, nil
}

type envelope struct {
	Data any `json:"data"`
	Meta any `json:"meta,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Error encoding response", zap.Error(err))
	}
}

// writeError maps validation errors to 400 and anything else to fallback
func writeError(w http.ResponseWriter, logger *zap.Logger, err error, fallback int) {
	var verr *sight.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, logger, http.StatusBadRequest, errorBody{Error: verr.Error()})
		return
	}
	logger.Warn("Request failed", zap.Error(err))
	writeJSON(w, logger, fallback, errorBody{Error: err.Error()})
}

// queryFloat parses an optional numeric query parameter
func queryFloat(r *http.Request, key string) (*float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, &sight.ValidationError{Field: key, Message: "must be numeric"}
	}
	return &v, nil
}

func requiredFloat(r *http.Request, key string) (float64, error) {
	v, err := queryFloat(r, key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, &sight.ValidationError{Field: key, Message: "is required"}
	}
	return *v, nil
}

// nearbyQuery reads lat, lng, radius, heading and the accuracy hints from the URL
func nearbyQuery(r *http.Request) (sight.NearbyQuery, error) {
	var q sight.NearbyQuery
	var err error
	if q.Lat, err = requiredFloat(r, "lat"); err != nil {
		return q, err
	}
	if q.Lng, err = requiredFloat(r, "lng"); err != nil {
		return q, err
	}
	radius, err := queryFloat(r, "radius")
	if err != nil {
		return q, err
	}
	if radius != nil {
		q.Radius = *radius
	}
	if q.Heading, err = queryFloat(r, "heading"); err != nil {
		return q, err
	}
	if q.HorizontalAccuracy, err = queryFloat(r, "horizontalAccuracy"); err != nil {
		return q, err
	}
	if q.HeadingAccuracy, err = queryFloat(r, "headingAccuracy"); err != nil {
		return q, err
	}
	if q.DepthMeters, err = queryFloat(r, "depthMeters"); err != nil {
		return q, err
	}
	return q, nil
}

// statusRecorder captures the status code for access logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack is needed by the websocket upgrader
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func accessLog(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(svc *sight.Service, registry *sight.SessionRegistry, mqttClient *sight.MQTTClient, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status         string    `json:"status"`
			Timestamp      time.Time `json:"timestamp"`
			Index          string    `json:"index"`
			MQTTConnected  bool      `json:"mqttConnected"`
			ActiveSessions int       `json:"activeSessions"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			Index:         svc.Matcher.IndexName(),
			MQTTConnected: mqttClient.IsConnected(),
		}
		if registry != nil {
			status.ActiveSessions = registry.Len()
		}
		writeJSON(w, logger, http.StatusOK, status)
	})

	mux.Handle("GET /metrics", svc.Metrics.Handler())

	mux.HandleFunc("POST /buildings/identify", func(w http.ResponseWriter, r *http.Request) {
		var req poseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, logger, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
			return
		}
		pose, err := req.pose()
		if err != nil {
			writeError(w, logger, err, http.StatusBadRequest)
			return
		}

		hit, err := svc.Identify(r.Context(), pose)
		if err != nil {
			writeError(w, logger, err, http.StatusInternalServerError)
			return
		}

		data := []*sight.BuildingHit{}
		source := ""
		if hit != nil {
			data = append(data, hit)
			source = string(hit.Source)
		}
		writeJSON(w, logger, http.StatusOK, envelope{
			Data: data,
			Meta: map[string]any{
				"count":       len(data),
				"hasDepth":    pose.HasDepth(),
				"depthMeters": pose.DepthMeters,
				"heading":     pose.Heading,
				"source":      source,
			},
		})
	})

	mux.HandleFunc("GET /buildings/nearby", func(w http.ResponseWriter, r *http.Request) {
		q, err := nearbyQuery(r)
		if err != nil {
			writeError(w, logger, err, http.StatusBadRequest)
			return
		}
		res, err := svc.Nearby(r.Context(), q)
		if err != nil {
			writeError(w, logger, err, http.StatusBadGateway)
			return
		}
		writeJSON(w, logger, http.StatusOK, envelope{
			Data: res.Candidates,
			Meta: map[string]any{
				"count":   len(res.Candidates),
				"source":  res.Source,
				"center":  map[string]float64{"lat": q.Lat, "lng": q.Lng},
				"radius":  res.Radius,
				"heading": q.Heading,
				"engine":  res.Engine.Name(),
			},
		})
	})

	mux.HandleFunc("GET /buildings/nearby.geojson", func(w http.ResponseWriter, r *http.Request) {
		q, err := nearbyQuery(r)
		if err != nil {
			writeError(w, logger, err, http.StatusBadRequest)
			return
		}
		res, err := svc.Nearby(r.Context(), q)
		if err != nil {
			writeError(w, logger, err, http.StatusBadGateway)
			return
		}
		body, err := sight.CandidatesToGeoJSON(res.Candidates).MarshalJSON()
		if err != nil {
			writeError(w, logger, err, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(body)
	})

	mux.HandleFunc("POST /buildings/scan", func(w http.ResponseWriter, r *http.Request) {
		var req poseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, logger, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
			return
		}
		pose, err := req.pose()
		if err != nil {
			writeError(w, logger, err, http.StatusBadRequest)
			return
		}
		var image []byte
		if req.Image != "" {
			if image, err = base64.StdEncoding.DecodeString(req.Image); err != nil {
				writeJSON(w, logger, http.StatusBadRequest, errorBody{Error: "image must be base64"})
				return
			}
		}

		res, err := svc.Scan(r.Context(), sight.ScanRequest{
			Pose:    pose,
			Radius:  req.Radius,
			Sensors: req.Sensors,
			Image:   image,
		})
		if err != nil {
			writeError(w, logger, err, http.StatusBadGateway)
			return
		}
		writeJSON(w, logger, http.StatusOK, envelope{
			Data: res.Ranked,
			Meta: map[string]any{
				"count":   len(res.Ranked),
				"engine":  res.Engine.Name(),
				"heading": pose.Heading,
				"radius":  res.Radius,
				"time":    res.Time,
				"vision":  res.Vision,
			},
		})
	})

	renderScan := func(png bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			q, err := nearbyQuery(r)
			if err != nil {
				writeError(w, logger, err, http.StatusBadRequest)
				return
			}
			if q.Heading == nil {
				writeError(w, logger, &sight.ValidationError{Field: "heading", Message: "is required"}, http.StatusBadRequest)
				return
			}
			pose := sight.Pose{
				Latitude:           q.Lat,
				Longitude:          q.Lng,
				Heading:            *q.Heading,
				HorizontalAccuracy: q.HorizontalAccuracy,
				HeadingAccuracy:    q.HeadingAccuracy,
				DepthMeters:        q.DepthMeters,
			}
			view, err := svc.View(r.Context(), pose, q.Radius)
			if err != nil {
				writeError(w, logger, err, http.StatusBadGateway)
				return
			}

			renderer := sight.NewScanRenderer()
			w.Header().Set("Cache-Control", "no-cache")
			if png {
				w.Header().Set("Content-Type", "image/png")
				err = renderer.RenderToPNG(w, *view)
			} else {
				w.Header().Set("Content-Type", "image/svg+xml")
				err = renderer.RenderToSVG(w, *view)
			}
			if err != nil {
				logger.Warn("Error rendering scan", zap.Error(err))
			}
		}
	}
	mux.HandleFunc("GET /buildings/scan.svg", renderScan(false))
	mux.HandleFunc("GET /buildings/scan.png", renderScan(true))

	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		if registry == nil {
			writeJSON(w, logger, http.StatusOK, envelope{Data: []sight.SessionInfo{}})
			return
		}
		sessions := registry.Sessions()
		writeJSON(w, logger, http.StatusOK, envelope{
			Data: sessions,
			Meta: map[string]any{"count": len(sessions)},
		})
	})

	mux.HandleFunc("GET /sessions/ws", func(w http.ResponseWriter, r *http.Request) {
		if registry == nil {
			http.Error(w, "sessions disabled", http.StatusServiceUnavailable)
			return
		}
		serveSessionSocket(w, r, registry, logger)
	})

	return accessLog(logger, mux)
}

// wsMessage is a client frame: a pose, or a stop request
type wsMessage struct {
	Type string      `json:"type"` // pose (default) or stop
	Pose *sight.Pose `json:"pose,omitempty"`
}

// wsEvent is a server frame
type wsEvent struct {
	Type           string                `json:"type"` // session, identification, error
	SessionID      string                `json:"sessionId,omitempty"`
	Identification *sight.Identification `json:"identification,omitempty"`
	Message        string                `json:"message,omitempty"`
}

// serveSessionSocket streams poses into a session and identifications back out.
// The session ends when the socket closes.
func serveSessionSocket(w http.ResponseWriter, r *http.Request, registry *sight.SessionRegistry, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id := r.URL.Query().Get("session")
	if id == "" {
		id = sight.NewSessionID()
	}
	session := registry.Open(id)
	logger = logger.With(zap.String("session_id", id))

	var writeMu sync.Mutex
	send := func(ev wsEvent) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			logger.Debug("Websocket write failed", zap.Error(err))
		}
	}

	remove := session.AddListener(func(ident sight.Identification) {
		send(wsEvent{Type: "identification", SessionID: id, Identification: &ident})
	})
	defer func() {
		remove()
		registry.EndSession(id)
	}()

	send(wsEvent{Type: "session", SessionID: id})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Websocket error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "stop":
			if err := session.Stop(); err != nil {
				send(wsEvent{Type: "error", Message: err.Error()})
			}
		case "", "pose":
			if msg.Pose == nil {
				send(wsEvent{Type: "error", Message: "pose is required"})
				continue
			}
			if err := session.Submit(*msg.Pose); err != nil {
				send(wsEvent{Type: "error", Message: err.Error()})
			}
		default:
			send(wsEvent{Type: "error", Message: "unknown message type " + strconv.Quote(msg.Type)})
		}
	}
}
