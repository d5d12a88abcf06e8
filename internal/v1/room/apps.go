package room

import (
	"github.com/openmeet-labs/signaling/internal/v1/bus"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// OpenApp activates a shared app for the room. Host-only. Reopening an app
// resumes its retained document.
func (r *Room) OpenApp(connectionID, appID string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}
	if appID == "" {
		return protocol.NewError(protocol.ErrInternal, "empty app id")
	}
	r.apps.Open(appID)
	r.broadcastAppsState()
	r.touch()
	return nil
}

// CloseApp deactivates the current app. Its document is retained.
func (r *Room) CloseApp(connectionID string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}
	r.apps.Close()
	r.broadcastAppsState()
	r.touch()
	return nil
}

// SetAppsLocked restricts shared-app mutation to hosts while set.
func (r *Room) SetAppsLocked(connectionID string, locked bool) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}
	r.apps.SetLocked(locked)
	r.broadcastAppsState()
	r.touch()
	return nil
}

// caller holds r.mu
func (r *Room) broadcastAppsState() {
	activeAppID, locked := r.apps.State()
	r.publish(protocol.EventAppsState, &protocol.AppsStateEvent{
		ActiveAppID: activeAppID,
		Locked:      locked,
	}, bus.AllRoles())
}

// appMutationGuard applies the shared-app write rules: observers never
// mutate; non-hosts are shut out while the apps lock is set. Caller holds r.mu.
func (r *Room) appMutationGuard(connectionID string) (*Participant, *protocol.Error) {
	p, werr := r.participant(connectionID)
	if werr != nil {
		return nil, werr
	}
	if p.IsObserver {
		return nil, protocol.NewError(protocol.ErrObserverReadonly, "observers cannot modify shared apps")
	}
	if _, locked := r.apps.State(); locked && p.Role != RoleHost {
		return nil, protocol.NewError(protocol.ErrForbidden, "shared apps are locked")
	}
	return p, nil
}

// ApplyAppUpdate merges one document update and forwards it to everyone
// else. Duplicate updates are absorbed without re-broadcast.
func (r *Room) ApplyAppUpdate(connectionID, appID string, data []byte) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.appMutationGuard(connectionID); werr != nil {
		return werr
	}
	applied, err := r.apps.ApplyUpdate(appID, data)
	if err != nil {
		return protocol.AsError(err)
	}
	if !applied {
		return nil
	}

	frame, encErr := protocol.NewEvent(protocol.EventAppsUpdate, r.ID, &protocol.AppRequest{AppID: appID, Data: data})
	if encErr == nil {
		r.channel.PublishExcept(frame, bus.AllRoles(), connectionID)
	}
	r.touch()
	return nil
}

// SyncApp answers a client state vector with the missing updates and the
// awareness snapshot. Read-only, so observers may call it.
func (r *Room) SyncApp(connectionID, appID string, stateVector []byte) (*protocol.AppSyncResponse, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.participant(connectionID); werr != nil {
		return nil, werr
	}
	updates, awareness := r.apps.Sync(appID, stateVector)
	return &protocol.AppSyncResponse{
		AppID:     appID,
		Updates:   updates,
		Awareness: awareness,
	}, nil
}

// SetAppAwareness records the caller's awareness payload and forwards it.
func (r *Room) SetAppAwareness(connectionID, appID string, data []byte) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.appMutationGuard(connectionID); werr != nil {
		return werr
	}
	if err := r.apps.SetAwareness(appID, connectionID, data); err != nil {
		return protocol.AsError(err)
	}

	frame, encErr := protocol.NewEvent(protocol.EventAppsAwareness, r.ID, &protocol.AppRequest{AppID: appID, Data: data})
	if encErr == nil {
		r.channel.PublishExcept(frame, bus.AllRoles(), connectionID)
	}
	r.touch()
	return nil
}
