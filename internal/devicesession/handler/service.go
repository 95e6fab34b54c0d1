package handler

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "devicequota.v1.DeviceQuotaService"

// Full method names, as seen by interceptors.
const (
	MethodAdmit       = "/" + ServiceName + "/Admit"
	MethodHeartbeat   = "/" + ServiceName + "/Heartbeat"
	MethodLogout      = "/" + ServiceName + "/Logout"
	MethodListDevices = "/" + ServiceName + "/ListDevices"
	MethodResetGroup  = "/" + ServiceName + "/ResetGroup"
	MethodUpdateLimit = "/" + ServiceName + "/UpdateLimit"
	MethodGetUsage    = "/" + ServiceName + "/GetUsage"
)

// DeviceQuotaServiceServer is the server API for DeviceQuotaService.
type DeviceQuotaServiceServer interface {
	Admit(context.Context, *AdmitRequest) (*AdmitResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
	ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
	ResetGroup(context.Context, *ResetGroupRequest) (*ResetGroupResponse, error)
	UpdateLimit(context.Context, *UpdateLimitRequest) (*UpdateLimitResponse, error)
	GetUsage(context.Context, *GetUsageRequest) (*GetUsageResponse, error)
}

// RegisterDeviceQuotaServiceServer registers srv with s.
func RegisterDeviceQuotaServiceServer(s grpc.ServiceRegistrar, srv DeviceQuotaServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes DeviceQuotaService. Messages travel with the JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceQuotaServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Admit", DeviceQuotaServiceServer.Admit),
		unary("Heartbeat", DeviceQuotaServiceServer.Heartbeat),
		unary("Logout", DeviceQuotaServiceServer.Logout),
		unary("ListDevices", DeviceQuotaServiceServer.ListDevices),
		unary("ResetGroup", DeviceQuotaServiceServer.ResetGroup),
		unary("UpdateLimit", DeviceQuotaServiceServer.UpdateLimit),
		unary("GetUsage", DeviceQuotaServiceServer.GetUsage),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "devicequota/v1/devicequota",
}

func unary[Req, Resp any](method string, call func(DeviceQuotaServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(DeviceQuotaServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// Client is a DeviceQuotaService client over the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Admit(ctx context.Context, in *AdmitRequest, opts ...grpc.CallOption) (*AdmitResponse, error) {
	return invoke[AdmitResponse](ctx, c, MethodAdmit, in, opts)
}

func (c *Client) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c, MethodHeartbeat, in, opts)
}

func (c *Client) Logout(ctx context.Context, in *LogoutRequest, opts ...grpc.CallOption) (*LogoutResponse, error) {
	return invoke[LogoutResponse](ctx, c, MethodLogout, in, opts)
}

func (c *Client) ListDevices(ctx context.Context, in *ListDevicesRequest, opts ...grpc.CallOption) (*ListDevicesResponse, error) {
	return invoke[ListDevicesResponse](ctx, c, MethodListDevices, in, opts)
}

func (c *Client) ResetGroup(ctx context.Context, in *ResetGroupRequest, opts ...grpc.CallOption) (*ResetGroupResponse, error) {
	return invoke[ResetGroupResponse](ctx, c, MethodResetGroup, in, opts)
}

func (c *Client) UpdateLimit(ctx context.Context, in *UpdateLimitRequest, opts ...grpc.CallOption) (*UpdateLimitResponse, error) {
	return invoke[UpdateLimitResponse](ctx, c, MethodUpdateLimit, in, opts)
}

func (c *Client) GetUsage(ctx context.Context, in *GetUsageRequest, opts ...grpc.CallOption) (*GetUsageResponse, error) {
	return invoke[GetUsageResponse](ctx, c, MethodGetUsage, in, opts)
}
