package session

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/netutil"
	"github.com/xiaonanln/netsync/engine/nsutil"
	"github.com/xiaonanln/netsync/engine/proto"
	"github.com/xiaonanln/netsync/engine/target"
	"github.com/xiaonanln/typeconv"
)

// RPCContext is the first argument of every RPC handler
type RPCContext struct {
	Session *Session
	Entity  *Entity
	// Sender is the participant which made the call
	Sender common.ParticipantID
}

// Call calls an RPC of an entity, sent to the default target of the RPC
func (s *Session) Call(eid common.EntityID, method string, args ...interface{}) error {
	return s.call(eid, method, nil, args)
}

// CallTarget calls an RPC of an entity with an explicit target. Temporary targets built by Targets()
// expire when the call returns.
func (s *Session) CallTarget(eid common.EntityID, method string, tgt target.Descriptor, args ...interface{}) error {
	return s.call(eid, method, &tgt, args)
}

func (s *Session) call(eid common.EntityID, method string, override *target.Descriptor, args []interface{}) error {
	defer s.resolver.EndWindow()

	e := s.entities[eid]
	if e == nil {
		return errors.Wrapf(common.ErrUnknownEntity, "call %s on %s", method, eid)
	}
	rpc := e.Type.rpcs[method]
	if rpc == nil {
		return errors.Wrapf(common.ErrUnknownRPC, "%s.%s", e, method)
	}
	local := s.LocalID()
	if rpc.RequireOwnership && !e.IsOwner() && !e.IsAuthority() {
		return errors.Wrapf(common.ErrPermission, "%s does not own %s to call %s", local, e, method)
	}
	if len(args) > rpc.NumArgs {
		return errors.Errorf("%s.%s receives %d arguments, but given %d", e, method, rpc.NumArgs, len(args))
	}

	recipients, err := s.resolver.ResolveCall(rpc.DefaultTarget, rpc.AllowTargetOverride, override, eid, local)
	if err != nil {
		return err
	}
	var data []byte
	if recipients.Len() > 1 || (recipients.Len() == 1 && !recipients.Contains(local)) {
		if data, err = proto.MakeCallEntityMethod(eid, method, local, args); err != nil {
			return errors.Wrapf(err, "%s.%s: pack arguments", e, method)
		}
	}

	deferLocal := rpc.DeferLocal || s.cfg.Session.DeferLocalRPC
	s.dispatcher.Dispatch(recipients, eid, data, func() {
		if e.spawned {
			s.onCallFromLocal(e, rpc, local, args)
		}
	}, deferLocal)
	return nil
}

func (s *Session) onCallFromLocal(e *Entity, rpc *rpcDesc, sender common.ParticipantID, args []interface{}) {
	nsutil.RunPanicless(func() {
		in := make([]reflect.Value, rpc.NumArgs+1)
		in[0] = reflect.ValueOf(&RPCContext{Session: s, Entity: e, Sender: sender})
		for i, arg := range args {
			argType := rpc.FuncType.In(i + 1)
			if arg == nil {
				in[i+1] = reflect.Zero(argType)
			} else {
				in[i+1] = typeconv.Convert(arg, argType)
			}
		}
		for i := len(args); i < rpc.NumArgs; i++ { // use zero value for missing arguments
			in[i+1] = reflect.Zero(rpc.FuncType.In(i + 1))
		}
		rpc.Func.Call(in)
	})
}

func (s *Session) onCallFromRemote(e *Entity, rpc *rpcDesc, sender common.ParticipantID, args [][]byte) {
	if len(args) > rpc.NumArgs {
		s.logger.Errorf("%s.%s receives %d arguments, but given %d", e, rpc.Name, rpc.NumArgs, len(args))
		return
	}
	nsutil.RunPanicless(func() {
		in := make([]reflect.Value, rpc.NumArgs+1)
		in[0] = reflect.ValueOf(&RPCContext{Session: s, Entity: e, Sender: sender})
		for i, arg := range args {
			argType := rpc.FuncType.In(i + 1)
			argValPtr := reflect.New(argType)
			if err := netutil.MSG_PACKER.UnpackMsg(arg, argValPtr.Interface()); err != nil {
				s.logger.Panicf("%s.%s: convert argument %d failed: type=%s: %v", e, rpc.Name, i+1, argType, err)
			}
			in[i+1] = reflect.Indirect(argValPtr)
		}
		for i := len(args); i < rpc.NumArgs; i++ {
			in[i+1] = reflect.Zero(rpc.FuncType.In(i + 1))
		}
		rpc.Func.Call(in)
	})
}

func packValue(v interface{}) ([]byte, error) {
	return netutil.MSG_PACKER.PackMsg(v, nil)
}

func unpackValue(data []byte) (interface{}, error) {
	var v interface{}
	err := netutil.MSG_PACKER.UnpackMsg(data, &v)
	return v, err
}
