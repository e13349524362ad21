// Package ping answers LAN discovery probes over UDP.
package ping

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/siohaza/blocksmith/internal/heartbeat"
)

const Software = "blocksmith"

type Handler struct {
	conn          *net.UDPConn
	source        heartbeat.Source
	logger        *slog.Logger
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	listenAddress string
}

// ServerInfo is the JSON answer to a HELLOLAN probe.
type ServerInfo struct {
	Name            string `json:"name"`
	PlayersCurrent  int    `json:"players_current"`
	PlayersMax      int    `json:"players_max"`
	Port            int    `json:"port"`
	Public          bool   `json:"public"`
	ProtocolVersion int    `json:"protocol_version"`
	Software        string `json:"software"`
}

func NewHandler(address string, source heartbeat.Source, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		source:        source,
		logger:        logger,
		stopChan:      make(chan struct{}),
		listenAddress: address,
	}
}

func (h *Handler) Start() error {
	addr, err := net.ResolveUDPAddr("udp", h.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	h.conn = conn
	h.logger.Info("ping handler started", "address", conn.LocalAddr().String())

	h.wg.Add(1)
	go h.handlePackets()

	return nil
}

func (h *Handler) Addr() net.Addr {
	if h.conn == nil {
		return nil
	}
	return h.conn.LocalAddr()
}

func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		if h.conn != nil {
			h.conn.Close()
		}
		h.wg.Wait()
		h.logger.Info("ping handler stopped")
	})
}

func (h *Handler) info() ServerInfo {
	st := h.source.HeartbeatStatus()
	return ServerInfo{
		Name:            st.Name,
		PlayersCurrent:  st.Players,
		PlayersMax:      st.MaxPlayers,
		Port:            st.Port,
		Public:          st.Public,
		ProtocolVersion: heartbeat.ProtocolVersion,
		Software:        Software,
	}
}

func (h *Handler) handlePackets() {
	defer h.wg.Done()
	buffer := make([]byte, 1024)

	for {
		n, addr, err := h.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-h.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Error("failed to read UDP packet", "error", err)
			continue
		}

		if n > 0 {
			h.handlePacket(buffer[:n], addr)
		}
	}
}

func (h *Handler) handlePacket(data []byte, addr *net.UDPAddr) {
	switch string(data) {
	case "HELLO":
		h.handlePing(addr)
	case "HELLOLAN":
		h.handleLANPing(addr)
	}
}

func (h *Handler) handlePing(addr *net.UDPAddr) {
	if _, err := h.conn.WriteToUDP([]byte("HI"), addr); err != nil {
		h.logger.Error("failed to send ping response", "error", err, "addr", addr)
		return
	}
	h.logger.Debug("sent ping response", "addr", addr)
}

func (h *Handler) handleLANPing(addr *net.UDPAddr) {
	jsonData, err := json.Marshal(h.info())
	if err != nil {
		h.logger.Error("failed to marshal server info", "error", err)
		return
	}

	if _, err := h.conn.WriteToUDP(jsonData, addr); err != nil {
		h.logger.Error("failed to send LAN response", "error", err, "addr", addr)
		return
	}
	h.logger.Debug("sent LAN info response", "addr", addr)
}
