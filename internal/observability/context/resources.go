package context

import "strings"

// Resources are the escrowd ids a request path addresses.
type Resources struct {
	FlowID    string
	TaskID    string
	BidID     string
	EscrowID  string
	PaymentID string
}

// RouteResources reads the ids from a matched route. The bare ":id" segment is named by
// the collection it sits under.
func RouteResources(route string, param func(string) string) Resources {
	res := Resources{
		FlowID: strings.TrimSpace(param("flow_id")),
		TaskID: strings.TrimSpace(param("task_id")),
		BidID:  strings.TrimSpace(param("bid_id")),
	}
	id := strings.TrimSpace(param("id"))
	if id == "" {
		return res
	}
	switch {
	case strings.HasPrefix(route, "/escrows/"):
		res.EscrowID = id
	case strings.HasPrefix(route, "/payments/"), strings.HasPrefix(route, "/a2u-payments/"):
		res.PaymentID = id
	}
	return res
}
