package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-oncall/internal/upstream"
)

// SessionProvider resolves the upstream session bound to the current MCP
// call. Implemented by the adapter server.
type SessionProvider interface {
	SessionFor(ctx context.Context) (*upstream.Session, error)
}

// adminTools require the admin flag (or, for request tools, the
// can_view_requests flag) on the caller's identity.
var adminTools = map[string]bool{
	"oncall_list_pending_requests": true,
	"oncall_list_accounts":         true,
	"oncall_get_request":           true,
}

// IsAdminTool reports whether a tool is reserved for elevated identities.
func IsAdminTool(name string) bool {
	return adminTools[name]
}

// Allowed reports whether the identity may see and invoke the named tool.
func Allowed(name string, identity upstream.Identity) bool {
	if !adminTools[name] {
		return true
	}
	if identity.IsAdmin {
		return true
	}
	// Request viewers get the request tools without full admin rights.
	switch name {
	case "oncall_list_pending_requests", "oncall_get_request":
		return identity.CanViewRequests
	}
	return false
}

// Definitions returns all on-call tools wired to the given provider.
func Definitions(p SessionProvider) []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("oncall_get_schedule",
				mcp.WithDescription("Get the on-call duty schedule for a month. Defaults to the current month when year and month are omitted."),
				mcp.WithNumber("year", mcp.Description("Four digit year, e.g. 2026")),
				mcp.WithNumber("month", mcp.Description("Month number 1-12")),
				mcp.WithNumber("group_id", mcp.Description("Restrict the schedule to one duty group")),
			),
			Handler: handler(p, handleGetSchedule),
		},
		{
			Tool: mcp.NewTool("oncall_whoami",
				mcp.WithDescription("Show the identity and permissions of the authenticated user."),
			),
			Handler: handler(p, handleWhoami),
		},
		{
			Tool: mcp.NewTool("oncall_find_contact",
				mcp.WithDescription("Find a staff member's contact details by name."),
				mcp.WithString("name", mcp.Required(), mcp.Description("Full or partial name to search for")),
			),
			Handler: handler(p, handleFindContact),
		},
		{
			Tool: mcp.NewTool("oncall_list_staff",
				mcp.WithDescription("List staff members available for on-call duty."),
				mcp.WithNumber("group_id", mcp.Description("Restrict the listing to one duty group")),
			),
			Handler: handler(p, handleListStaff),
		},
		{
			Tool: mcp.NewTool("oncall_list_my_requests",
				mcp.WithDescription("List schedule change requests submitted by the authenticated user."),
			),
			Handler: handler(p, handleListMyRequests),
		},
		{
			Tool: mcp.NewTool("oncall_list_pending_requests",
				mcp.WithDescription("List all pending schedule change requests. Requires admin or request-viewer rights."),
			),
			Handler: handler(p, handleListPendingRequests),
		},
		{
			Tool: mcp.NewTool("oncall_list_accounts",
				mcp.WithDescription("List user accounts known to the scheduling system. Requires admin rights."),
			),
			Handler: handler(p, handleListAccounts),
		},
		{
			Tool: mcp.NewTool("oncall_get_request",
				mcp.WithDescription("Get one schedule change request by ID. Requires admin or request-viewer rights."),
				mcp.WithNumber("request_id", mcp.Required(), mcp.Description("Numeric request ID")),
			),
			Handler: handler(p, handleGetRequest),
		},
	}
}

// toolHandler is a tool implementation that already has its upstream session.
type toolHandler func(ctx context.Context, session *upstream.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// handler wraps a toolHandler with session lookup, the permission gate, and
// upstream error translation. Failures become tool errors, not protocol
// errors, so the connection stays usable.
func handler(p SessionProvider, fn toolHandler) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := p.SessionFor(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if !Allowed(request.Params.Name, session.Identity()) {
			return mcp.NewToolResultError(
				fmt.Sprintf("permission denied: %s requires elevated rights", request.Params.Name)), nil
		}

		result, err := fn(ctx, session, request)
		if err != nil {
			return toolError(err), nil
		}
		return result, nil
	}
}

// toolError converts upstream failures into tool errors. Structured upstream
// messages pass through verbatim so the caller sees what the API said.
func toolError(err error) *mcp.CallToolResult {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		return mcp.NewToolResultError(apiErr.Message)
	}
	if errors.Is(err, upstream.ErrOAuthSessionExpired) {
		return mcp.NewToolResultError("OAuth session expired, re-authorize and reconnect")
	}
	return mcp.NewToolResultError(err.Error())
}

func handleGetSchedule(ctx context.Context, session *upstream.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := url.Values{}
	setIntArg(query, request, "year")
	setIntArg(query, request, "month")
	setIntArg(query, request, "group_id")

	raw, err := session.Get(ctx, "/api/schedule", query)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func handleWhoami(ctx context.Context, session *upstream.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(session.Identity())
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func handleFindContact(ctx context.Context, session *upstream.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	query := url.Values{}
	query.Set("name", name)

	raw, err := session.Get(ctx, "/api/users/search", query)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func handleListStaff(ctx context.Context, session *upstream.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := url.Values{}
	setIntArg(query, request, "group_id")

	raw, err := session.Get(ctx, "/api/users", query)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func handleListMyRequests(ctx context.Context, session *upstream.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := session.Get(ctx, "/api/requests/my", nil)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func handleListPendingRequests(ctx context.Context, session *upstream.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := session.Get(ctx, "/api/requests/pending", nil)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func handleListAccounts(ctx context.Context, session *upstream.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := session.Get(ctx, "/api/accounts", nil)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func handleGetRequest(ctx context.Context, session *upstream.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, ok := intArg(request, "request_id")
	if !ok {
		return mcp.NewToolResultError("request_id is required and must be a number"), nil
	}

	raw, err := session.Get(ctx, "/api/requests/"+strconv.Itoa(requestID), nil)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// intArg reads a numeric argument. JSON numbers arrive as float64.
func intArg(request mcp.CallToolRequest, key string) (int, bool) {
	value, ok := request.GetArguments()[key]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func setIntArg(query url.Values, request mcp.CallToolRequest, key string) {
	if n, ok := intArg(request, key); ok {
		query.Set(key, strconv.Itoa(n))
	}
}
