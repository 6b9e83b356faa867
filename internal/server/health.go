// ============================================================================
// gRPC 健康檢查服務
// ============================================================================
//
// 對外只提供 grpc.health.v1，讓 orchestrator（k8s / consul）探測：
//   - "" 與 ServiceName: 快取還原完成後為 SERVING
//   - 關閉時先切為 NOT_SERVING 再 GracefulStop
//
// ============================================================================

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = slog.Default()

// ServiceName 健康檢查使用的服務名稱
const ServiceName = "beaver.audit.AuditService"

// Server gRPC 伺服器
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New 建立 gRPC 伺服器，初始狀態為 NOT_SERVING
func New(opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// SetServing 切換健康狀態
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Listen 在指定 port 監聽並於背景提供服務
func (s *Server) Listen(port int) (net.Addr, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			log.Error("gRPC server failed", "error", err)
		}
	}()
	log.Info("gRPC health server listening", "addr", lis.Addr().String())
	return lis.Addr(), nil
}

// Serve 阻塞直到伺服器停止
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop 切為 NOT_SERVING 後優雅關閉；ctx 逾時則強制關閉
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
