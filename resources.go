package flowthings

import "github.com/flowthings/flowthings.go/pkg/connection"

// Resource builds the create, find, update and delete requests of one
// object type.
type Resource struct {
	session *Session
	object  connection.ObjectType
}

func (r *Resource) Object() connection.ObjectType {
	return r.object
}

func (r *Resource) Create(value any, opts ...SendOption) (int64, error) {
	return r.session.Send(r.object, connection.Create, connection.Payload{Value: value}, opts...)
}

// Read finds the resource with the given id.
func (r *Resource) Read(id string, opts ...SendOption) (int64, error) {
	return r.session.Send(r.object, connection.Find, connection.Payload{ID: id}, opts...)
}

func (r *Resource) Update(id string, value any, opts ...SendOption) (int64, error) {
	return r.session.Send(r.object, connection.Update, connection.Payload{ID: id, Value: value}, opts...)
}

func (r *Resource) Delete(id string, opts ...SendOption) (int64, error) {
	return r.session.Send(r.object, connection.Delete, connection.Payload{ID: id}, opts...)
}

// FlowResource adds subscriptions to the flow operations.
type FlowResource struct {
	Resource
}

// Subscribe listens for drops created in the flow with the given id.
func (f *FlowResource) Subscribe(id string, listener Listener, opts ...SendOption) (int64, error) {
	return f.session.Subscribe(id, listener, opts...)
}

func (f *FlowResource) Unsubscribe(id string, opts ...SendOption) (int64, error) {
	return f.session.Unsubscribe(id, opts...)
}

// DropResource addresses drops, which always live in a flow.
type DropResource struct {
	Resource
}

// Create adds a drop carrying value to the flow with the given id.
func (d *DropResource) Create(flowID string, value any, opts ...SendOption) (int64, error) {
	return d.session.Send(connection.Drop, connection.Create, connection.Payload{FlowID: flowID, Value: value}, opts...)
}

func (d *DropResource) Read(flowID, id string, opts ...SendOption) (int64, error) {
	return d.session.Send(connection.Drop, connection.Find, connection.Payload{ID: id, FlowID: flowID}, opts...)
}

func (d *DropResource) Update(flowID, id string, value any, opts ...SendOption) (int64, error) {
	return d.session.Send(connection.Drop, connection.Update, connection.Payload{ID: id, FlowID: flowID, Value: value}, opts...)
}

func (d *DropResource) Delete(flowID, id string, opts ...SendOption) (int64, error) {
	return d.session.Send(connection.Drop, connection.Delete, connection.Payload{ID: id, FlowID: flowID}, opts...)
}

func (s *Session) Flow() *FlowResource {
	return &FlowResource{Resource{session: s, object: connection.Flow}}
}

func (s *Session) Drop() *DropResource {
	return &DropResource{Resource{session: s, object: connection.Drop}}
}

func (s *Session) Track() *Resource {
	return &Resource{session: s, object: connection.Track}
}
