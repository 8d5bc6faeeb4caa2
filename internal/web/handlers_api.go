package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/homekit"
	"zigbee-homekit/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.backend.Devices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	dev, err := s.backend.Device(ieee)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		} else {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type accessoryView struct {
	IEEEAddr    string `json:"ieee_addr"`
	DisplayName string `json:"display_name"`
	ModelID     string `json:"model_id,omitempty"`
	Service     string `json:"service"`
	AccessoryID uint64 `json:"accessory_id"`
	On          bool   `json:"on"`
}

func (s *Server) handleAPIListAccessories(w http.ResponseWriter, r *http.Request) {
	switches := s.accessories.Switches()
	views := make([]accessoryView, 0, len(switches))
	for _, sw := range switches {
		acc := sw.Accessory()
		views = append(views, accessoryView{
			IEEEAddr:    sw.IEEEAddr(),
			DisplayName: acc.DisplayName,
			ModelID:     acc.Context.Device.ModelID,
			Service:     acc.Kind,
			AccessoryID: acc.Id,
			On:          sw.HandleOnGet(),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type setAccessoryRequest struct {
	On *bool `json:"on"`
}

// handleAPISetAccessory goes through the HomeKit SET path, so an unchanged
// value issues no write.
func (s *Server) handleAPISetAccessory(w http.ResponseWriter, r *http.Request) {
	ieee, err := coordinator.NormalizeIEEE(r.PathValue("ieee"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var sw *homekit.SwitchAccessory
	for _, candidate := range s.accessories.Switches() {
		if candidate.IEEEAddr() == ieee {
			sw = candidate
			break
		}
	}
	if sw == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "accessory not found"})
		return
	}

	var req setAccessoryRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := sw.HandleOnSet(r.Context(), *req.On); err != nil {
		s.logger.Error("set accessory", "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.backend.NetworkInfo()
	info["ws_clients"] = s.wsHub.Clients()
	s.writeJSON(w, http.StatusOK, info)
}

type permitJoinRequest struct {
	Duration uint8 `json:"duration"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.backend.PermitJoin(r.Context(), req.Duration); err != nil {
		s.logger.Error("permit join", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"duration": fmt.Sprintf("%d", req.Duration),
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
