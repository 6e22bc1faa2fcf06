package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/packetrig-project/packetrig/internal/session"
	"github.com/packetrig-project/packetrig/internal/util"
)

const defaultQueryLimit = 50

// handleHealth reports daemon health and host load.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":   "ok",
		"uptime_s": int(time.Since(s.started).Seconds()),
		"sessions": s.registry.Count(),
		"capture":  s.store != nil,
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory_percent"] = mem.UsedPercent
	}
	c.JSON(http.StatusOK, resp)
}

// sessionView is the JSON shape of one session in list/get responses.
type sessionView struct {
	Name    string        `json:"name"`
	Address string        `json:"address"`
	Stats   session.Stats `json:"stats"`
}

func viewOf(sess *session.DeviceSession) sessionView {
	return sessionView{
		Name:    sess.Name(),
		Address: sess.Address(),
		Stats:   sess.Stats(),
	}
}

// handleListSessions returns every registered session with its counters.
func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.registry.All()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// lookup resolves the :name parameter, writing the 404 itself on a miss.
func (s *Server) lookup(c *gin.Context) (*session.DeviceSession, bool) {
	name := c.Param("name")
	sess, ok := s.registry.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session", "session": name})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func queryLimit(c *gin.Context) int {
	limit := defaultQueryLimit
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	return limit
}

// handleGetPackets returns the newest captured packets for a session.
func (s *Server) handleGetPackets(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture is disabled"})
		return
	}

	records, err := s.store.RecentPackets(sess.Name(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type packetView struct {
		ID         int64     `json:"id"`
		Direction  string    `json:"direction"`
		PacketID   byte      `json:"packet_id"`
		Counter    uint16    `json:"counter"`
		Payload    string    `json:"payload_hex"`
		CapturedAt time.Time `json:"captured_at"`
	}
	views := make([]packetView, 0, len(records))
	for _, r := range records {
		views = append(views, packetView{
			ID:         r.ID,
			Direction:  r.Direction,
			PacketID:   r.PacketID,
			Counter:    r.Counter,
			Payload:    hex.EncodeToString(r.Payload),
			CapturedAt: r.CapturedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.Name(), "packets": views})
}

// handleGetTelemetry returns the newest captured telemetry samples.
func (s *Server) handleGetTelemetry(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture is disabled"})
		return
	}

	records, err := s.store.RecentTelemetry(sess.Name(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.Name(), "telemetry": records})
}

// handlePing fires a ping on the session and reports the round trip.
func (s *Server) handlePing(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := sess.Ping(c.Request.Context(), 0)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   err.Error(),
			"session": sess.Name(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":      sess.Name(),
		"seq":          resp.Seq,
		"device_ts_ms": resp.Timestamp,
		"rtt_ms":       float64(time.Since(start).Microseconds()) / 1000.0,
	})
}
