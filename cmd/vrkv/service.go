package main

import (
	"fmt"

	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/galdor/go-vr/pkg/vr"
)

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	replicaId vr.ReplicaId

	store     *Store
	vrServer  *vr.Server[Op, OpResult]
	apiServer *APIServer
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the replica identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	s.replicaId = vr.ReplicaId(s.Program.ArgumentValue("id"))

	return s.Cfg.VR.Check(s.replicaId)
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	s.replicaId = vr.ReplicaId(s.Program.ArgumentValue("id"))

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	replicaCfg := s.Cfg.VR.Replicas[s.replicaId]

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               replicaCfg.APIAddress,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.store = NewStore()

	if err := s.initVRServer(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initVRServer() error {
	logger := s.Log.Child("vr", log.Data{
		"replica": s.replicaId,
	})

	serverCfg := s.Cfg.VR.ServerCfg(s.replicaId)

	serverCfg.Logger = logger
	serverCfg.StateMachine = s.store

	server, err := vr.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create vr server: %w", err)
	}

	s.vrServer = server

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.vrServer.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start vr server: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.vrServer.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}
