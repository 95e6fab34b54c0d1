package audit

import "strings"

// ActionResource holds action and resource derived from a gRPC full method name.
type ActionResource struct {
	Action   string
	Resource string
}

const (
	quotaLogout      = "/devicequota.v1.DeviceQuotaService/Logout"
	quotaResetGroup  = "/devicequota.v1.DeviceQuotaService/ResetGroup"
	quotaUpdateLimit = "/devicequota.v1.DeviceQuotaService/UpdateLimit"
)

// ParseFullMethod returns action and resource for a gRPC full method
// (e.g. /devicequota.v1.DeviceQuotaService/ResetGroup).
// Quota admin methods map to session_logout on "session", group_reset and limit_changed on "group".
// Other methods get a verb (get, list, update, reset, ...) and the resource derived from the service name.
func ParseFullMethod(fullMethod string) ActionResource {
	switch fullMethod {
	case quotaLogout:
		return ActionResource{Action: "session_logout", Resource: "session"}
	case quotaResetGroup:
		return ActionResource{Action: "group_reset", Resource: "group"}
	case quotaUpdateLimit:
		return ActionResource{Action: "limit_changed", Resource: "group"}
	}
	// fullMethod format: /package.v1.ServiceName/MethodName
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	method := fullMethod[slash+1:]
	beforeSlash := fullMethod[:slash]
	dot := strings.LastIndex(beforeSlash, ".")
	if dot < 0 {
		return ActionResource{Action: strings.ToLower(method), Resource: "unknown"}
	}
	return ActionResource{Action: methodToAction(method), Resource: serviceToResource(beforeSlash[dot+1:])}
}

func serviceToResource(serviceName string) string {
	// DeviceQuotaService -> deviceQuota
	s := strings.TrimSuffix(serviceName, "Service")
	if s == "" {
		return "unknown"
	}
	return strings.ToLower(s[0:1]) + s[1:]
}

func methodToAction(method string) string {
	switch {
	case strings.HasPrefix(method, "Get") && method != "Get":
		return "get"
	case strings.HasPrefix(method, "List"):
		return "list"
	case strings.HasPrefix(method, "Update"):
		return "update"
	case strings.HasPrefix(method, "Reset"):
		return "reset"
	case strings.HasPrefix(method, "Delete"):
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
