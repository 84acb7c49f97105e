package protocol

import (
	"context"
	"net/http"
	"net/url"

	"github.com/brigfed/brig/internal/store"
)

// HandleTask routes a task payload to its queue's handler.
func (r *Router) HandleTask(ctx context.Context, queue string, params url.Values) (int, error) {
	switch queue {
	case "receive":
		return r.HandleReceiveTask(ctx, params)
	case "send":
		return r.HandleSendTask(ctx, params)
	default:
		return 0, Errf(http.StatusBadRequest, "unknown queue %q", queue)
	}
}

// HandleReceiveTask runs a queued receive task. The payload references a
// persisted object; its stored source protocol picks the plugin.
func (r *Router) HandleReceiveTask(ctx context.Context, params url.Values) (int, error) {
	objID := params.Get("obj")
	if objID == "" {
		return 0, Errf(http.StatusBadRequest, "receive task has no obj")
	}
	obj, err := r.Store.GetObject(objID)
	if err != nil {
		return 0, err
	}
	if obj == nil {
		return 0, Errf(http.StatusBadRequest, "receive task: no object %s", objID)
	}
	from := r.Registry.ByLabel(obj.SourceProtocol)
	if from == nil {
		return 0, Errf(http.StatusBadRequest, "receive task: object %s has unknown source protocol %q", objID, obj.SourceProtocol)
	}
	// the change verdict from when the adapter persisted the object travels
	// in the payload; older payloads without one are treated as fresh
	if v := params.Get("new"); v != "" {
		b := v == "true"
		obj.New = &b
	} else {
		t := true
		obj.New = &t
	}
	if v := params.Get("changed"); v != "" {
		b := v == "true"
		obj.Changed = &b
	}
	return r.Receive(ctx, from, obj, params.Get("authed_as"), params.Get("internal") == "true")
}

// HandleSendTask runs a queued send task: one delivery attempt to one
// target, idempotent under retries and duplicate dispatch.
func (r *Router) HandleSendTask(ctx context.Context, params url.Values) (int, error) {
	objID := params.Get("obj")
	target := store.Target{Protocol: params.Get("protocol"), URI: params.Get("url")}
	if objID == "" || target.Protocol == "" || target.URI == "" {
		return 0, Errf(http.StatusBadRequest, "send task needs obj, protocol, and url")
	}
	p := r.Registry.ByLabel(target.Protocol)
	if p == nil {
		return 0, Errf(http.StatusBadRequest, "send task: unknown protocol %q", target.Protocol)
	}

	obj, err := r.Store.GetObject(objID)
	if err != nil {
		return 0, err
	}
	if obj == nil {
		return 0, Errf(http.StatusBadRequest, "send task: no object %s", objID)
	}

	// already finalized for this target: duplicate dispatch or retry after
	// success
	if !store.HasTarget(obj.Undelivered, target) && !store.HasTarget(obj.Failed, target) {
		r.Log.Debug("target already finalized", "id", objID, "target", target.URI)
		return http.StatusNoContent, nil
	}

	var fromUser *store.User
	if userID := params.Get("user_id"); userID != "" {
		fromUser, err = r.Store.GetUser(store.UserKey{
			Protocol: params.Get("user_protocol"),
			ID:       userID,
		})
		if err != nil {
			return 0, err
		}
	}
	var origObj *store.Object
	if origID := params.Get("orig_obj"); origID != "" {
		origObj, err = r.Store.GetObject(origID)
		if err != nil {
			return 0, err
		}
	}

	sent, sendErr := p.Send(ctx, obj, target.URI, fromUser, origObj)
	outcome := store.SendSent
	switch {
	case sendErr != nil:
		outcome = store.SendFailed
		r.Log.Warn("send failed", "id", objID, "target", target.URI, "err", sendErr)
	case !sent:
		outcome = store.SendRefused
		r.Log.Debug("send refused", "id", objID, "target", target.URI, "protocol", target.Protocol)
	}

	if err := r.Store.UpdateDelivery(objID, target, outcome); err != nil {
		return 0, err
	}
	if sendErr != nil {
		// surface the failure so the queue retries
		return 0, sendErr
	}
	if !sent {
		return http.StatusNoContent, nil
	}
	return http.StatusOK, nil
}
