package domains

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/confirmation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/routing"
)

// ActionExecutor sends confirmed actions to the domain that proposed them.
type ActionExecutor struct {
	Router *routing.Router
	Client *Client
}

func (e ActionExecutor) Execute(ctx context.Context, user auth.UserContext, a confirmation.PendingAction) (json.RawMessage, error) {
	d, ok := e.Router.Domain(a.Domain)
	if !ok {
		return nil, &CallError{Domain: a.Domain, Msg: "unknown domain"}
	}
	data, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", a.Action(), err)
	}
	resp, err := e.Client.Execute(ctx, d, user, a.ConfirmationID, a.Action(), data)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) > 0 {
		return resp.Data, nil
	}
	return json.Marshal(resp)
}
