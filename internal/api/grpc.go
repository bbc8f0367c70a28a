package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
	"github.com/victornm/happymeter/internal/session"
	"github.com/victornm/happymeter/internal/stats"
	"github.com/victornm/happymeter/internal/vote"
)

const KioskServiceName = "happymeter.v1.KioskService"

type (
	GRPCLoginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	GRPCLoginResponse struct {
		Token       string    `json:"token"`
		ExpiresAt   time.Time `json:"expires_at"`
		IsAdmin     bool      `json:"is_admin"`
		BoundKiosks []string  `json:"bound_kiosks"`
	}

	GRPCLogoutRequest struct {
		Token string `json:"token"`
	}

	GRPCLogoutResponse struct{}

	GRPCSubmitVoteRequest struct {
		Token   string          `json:"token"`
		Ratings json.RawMessage `json:"ratings"`
		Comment *string         `json:"comment"`
	}

	GRPCSubmitVoteResponse struct {
		ID    string    `json:"id"`
		Kiosk string    `json:"kiosk"`
		Date  time.Time `json:"date"`
	}

	GRPCGetStatsRequest struct {
		Token string `json:"token"`
	}

	GRPCGetStatsResponse struct {
		Stats map[string]domain.KioskStats `json:"stats"`
	}
)

// KioskServiceServer is the gRPC surface of the kiosk service.
type KioskServiceServer interface {
	Login(context.Context, *GRPCLoginRequest) (*GRPCLoginResponse, error)
	Logout(context.Context, *GRPCLogoutRequest) (*GRPCLogoutResponse, error)
	SubmitVote(context.Context, *GRPCSubmitVoteRequest) (*GRPCSubmitVoteResponse, error)
	GetStats(context.Context, *GRPCGetStatsRequest) (*GRPCGetStatsResponse, error)
}

var kioskServiceDesc = grpc.ServiceDesc{
	ServiceName: KioskServiceName,
	HandlerType: (*KioskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: unaryHandler("Login", KioskServiceServer.Login)},
		{MethodName: "Logout", Handler: unaryHandler("Logout", KioskServiceServer.Logout)},
		{MethodName: "SubmitVote", Handler: unaryHandler("SubmitVote", KioskServiceServer.SubmitVote)},
		{MethodName: "GetStats", Handler: unaryHandler("GetStats", KioskServiceServer.GetStats)},
	},
	Metadata: "happymeter/v1/kiosk.json",
}

func RegisterKioskServiceServer(s grpc.ServiceRegistrar, srv KioskServiceServer) {
	s.RegisterService(&kioskServiceDesc, srv)
}

func unaryHandler[Req, Resp any](method string, call func(KioskServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + KioskServiceName + "/" + method

	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, errors.New(errors.CodeInvalidArgument, errors.WithCause(err))
		}

		handler := func(ctx context.Context, req any) (any, error) {
			resp, err := call(srv.(KioskServiceServer), ctx, req.(*Req))
			if err != nil {
				e := errors.Convert(err)
				if e.Code == errors.CodeInternal {
					slog.ErrorContext(ctx, "grpc: request failed", "method", fullMethod, "error", err)
				}
				return nil, e
			}
			return resp, nil
		}

		if interceptor == nil {
			return handler(ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		return interceptor(ctx, in, info, handler)
	}
}

func (a *API) Login(ctx context.Context, req *GRPCLoginRequest) (*GRPCLoginResponse, error) {
	resp, err := a.ss.Login(ctx, session.LoginRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		return nil, err
	}

	return &GRPCLoginResponse{
		Token:       resp.Token,
		ExpiresAt:   resp.ExpiresAt,
		IsAdmin:     resp.Account.IsAdmin,
		BoundKiosks: resp.BoundKiosks,
	}, nil
}

func (a *API) Logout(ctx context.Context, req *GRPCLogoutRequest) (*GRPCLogoutResponse, error) {
	if err := a.ss.Logout(ctx, session.LogoutRequest{Token: req.Token}); err != nil {
		return nil, err
	}

	return &GRPCLogoutResponse{}, nil
}

func (a *API) SubmitVote(ctx context.Context, req *GRPCSubmitVoteRequest) (*GRPCSubmitVoteResponse, error) {
	acc, err := a.ss.Authenticate(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	if acc.IsAdmin {
		return nil, errors.New(errors.CodePermissionDenied, errors.WithMessagef("admins do not operate a kiosk"))
	}

	kiosk, err := a.ss.BoundKiosk(ctx, *acc)
	if err != nil {
		return nil, err
	}

	v, err := a.vs.Submit(ctx, vote.SubmitRequest{
		Username: acc.Username,
		Kiosk:    kiosk,
		Ratings:  req.Ratings,
		Comment:  req.Comment,
	})
	if err != nil {
		return nil, err
	}

	return &GRPCSubmitVoteResponse{
		ID:    v.ID,
		Kiosk: v.Kiosk,
		Date:  v.Timestamp,
	}, nil
}

func (a *API) GetStats(ctx context.Context, req *GRPCGetStatsRequest) (*GRPCGetStatsResponse, error) {
	acc, err := a.ss.Authenticate(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	res, err := a.sts.GetStats(ctx, stats.GetStatsRequest{Account: *acc})
	if err != nil {
		return nil, err
	}

	return &GRPCGetStatsResponse{Stats: res}, nil
}

// KioskServiceClient calls the kiosk service over a connection using the JSON codec.
type KioskServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewKioskServiceClient(cc grpc.ClientConnInterface) *KioskServiceClient {
	return &KioskServiceClient{cc: cc}
}

func (c *KioskServiceClient) Login(ctx context.Context, req *GRPCLoginRequest, opts ...grpc.CallOption) (*GRPCLoginResponse, error) {
	return invoke[GRPCLoginResponse](ctx, c.cc, "Login", req, opts)
}

func (c *KioskServiceClient) Logout(ctx context.Context, req *GRPCLogoutRequest, opts ...grpc.CallOption) (*GRPCLogoutResponse, error) {
	return invoke[GRPCLogoutResponse](ctx, c.cc, "Logout", req, opts)
}

func (c *KioskServiceClient) SubmitVote(ctx context.Context, req *GRPCSubmitVoteRequest, opts ...grpc.CallOption) (*GRPCSubmitVoteResponse, error) {
	return invoke[GRPCSubmitVoteResponse](ctx, c.cc, "SubmitVote", req, opts)
}

func (c *KioskServiceClient) GetStats(ctx context.Context, req *GRPCGetStatsRequest, opts ...grpc.CallOption) (*GRPCGetStatsResponse, error) {
	return invoke[GRPCGetStatsResponse](ctx, c.cc, "GetStats", req, opts)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+KioskServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}
