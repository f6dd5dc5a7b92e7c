package main

import (
	"fmt"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-vr/pkg/vr"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	VR      VRCfg              `json:"vr"`
}

type VRCfg struct {
	Replicas      map[vr.ReplicaId]ReplicaCfg `json:"replicas"`
	DataDirectory string                      `json:"dataDirectory"`

	// In milliseconds
	TickInterval int `json:"tickInterval,omitempty"`

	// In ticks
	ViewChangeTimeout uint64 `json:"viewChangeTimeout,omitempty"`
	HeartbeatInterval uint64 `json:"heartbeatInterval,omitempty"`

	// In ops
	CheckpointInterval uint64 `json:"checkpointInterval,omitempty"`
	LogRetention       uint64 `json:"logRetention,omitempty"`
}

type ReplicaCfg struct {
	LocalAddress  string `json:"localAddress"`
	PublicAddress string `json:"publicAddress"`
	APIAddress    string `json:"apiAddress"`
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("vr", &cfg.VR)
}

func (cfg *VRCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("replicas", func() {
		for id, replica := range cfg.Replicas {
			v.WithChild(string(id), func() {
				v.CheckStringNotEmpty("localAddress", replica.LocalAddress)
				v.CheckStringNotEmpty("publicAddress", replica.PublicAddress)
				v.CheckStringNotEmpty("apiAddress", replica.APIAddress)
			})
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

// Check verifies the parts of the configuration which cannot be expressed as
// constraints on individual JSON values.
func (cfg *VRCfg) Check(id vr.ReplicaId) error {
	if len(cfg.Replicas) < 3 {
		return fmt.Errorf("%w: %d replicas configured, at least 3 required",
			vr.ErrInsufficientReplicas, len(cfg.Replicas))
	}

	if _, found := cfg.Replicas[id]; !found {
		return fmt.Errorf("%w %q", vr.ErrUnknownReplica, id)
	}

	if cfg.TickInterval < 0 {
		return fmt.Errorf("invalid negative tick interval")
	}

	if cfg.ViewChangeTimeout > 0 &&
		cfg.HeartbeatInterval >= cfg.ViewChangeTimeout {
		return fmt.Errorf("heartbeat interval must be lower than view " +
			"change timeout")
	}

	return nil
}

func (cfg *VRCfg) ReplicaSet() vr.ReplicaSet {
	replicas := make(vr.ReplicaSet)

	for id, replica := range cfg.Replicas {
		replicas[id] = vr.ReplicaData{
			LocalAddress:  replica.LocalAddress,
			PublicAddress: replica.PublicAddress,
		}
	}

	return replicas
}

func (cfg *VRCfg) ServerCfg(id vr.ReplicaId) vr.ServerCfg[Op, OpResult] {
	return vr.ServerCfg[Op, OpResult]{
		Id:       id,
		Replicas: cfg.ReplicaSet(),

		DataDirectory: cfg.DataDirectory,

		TickInterval: time.Duration(cfg.TickInterval) * time.Millisecond,

		ViewChangeTimeout: cfg.ViewChangeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,

		CheckpointInterval: cfg.CheckpointInterval,
		LogRetention:       cfg.LogRetention,
	}
}
