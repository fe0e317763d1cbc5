package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/xtreemfs/xtreemfs-sub001/event"
)

var (
	ErrNoProcedures       = errors.New("server: receiver has no procedures")
	ErrInterfaceConflict  = errors.New("server: procedures belong to different interfaces")
	ErrDuplicateOperation = errors.New("server: operation registered twice")
	ErrDuplicateInterface = errors.New("server: interface registered twice")
	errNoResponse         = errors.New("procedure returned neither response nor error")
)

type procedure struct {
	method  reflect.Method
	argType reflect.Type // pointer to the request struct
	op      uint32
}

// service is a receiver whose procedures all belong to one interface.
type service struct {
	name  string
	iface uint32
	rcvr  reflect.Value
	typ   reflect.Type
	procs map[uint32]*procedure
}

var (
	contextType  = reflect.TypeFor[context.Context]()
	errorType    = reflect.TypeFor[error]()
	requestType  = reflect.TypeFor[event.Request]()
	responseType = reflect.TypeFor[event.Response]()
)

// newService scans rcvr for procedures: exported methods of the form
//
//	func(ctx context.Context, req *Req) (Resp, error)
//
// where *Req is an event.Request and Resp an event.Response. A zero *Req
// names the interface and operation number the method serves.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %v", typ)
	}
	s := &service{
		name:  typ.Elem().Name(),
		rcvr:  reflect.ValueOf(rcvr),
		typ:   typ,
		procs: make(map[uint32]*procedure),
	}
	first := true
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		argType, ok := procedureSignature(m.Type)
		if !ok {
			continue
		}
		req := reflect.New(argType.Elem()).Interface().(event.Request)
		if first {
			s.iface = req.InterfaceNumber()
			first = false
		} else if req.InterfaceNumber() != s.iface {
			return nil, fmt.Errorf("%w: %s.%s serves %d, others %d",
				ErrInterfaceConflict, s.name, m.Name, req.InterfaceNumber(), s.iface)
		}
		op := req.OperationNumber()
		if prev, ok := s.procs[op]; ok {
			return nil, fmt.Errorf("%w: %s.%s and %s.%s both serve %d",
				ErrDuplicateOperation, s.name, prev.method.Name, s.name, m.Name, op)
		}
		s.procs[op] = &procedure{method: m, argType: argType, op: op}
	}
	if len(s.procs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProcedures, s.name)
	}
	return s, nil
}

// procedureSignature reports whether mt (including the receiver) has the
// procedure shape, and returns its request pointer type.
func procedureSignature(mt reflect.Type) (reflect.Type, bool) {
	if mt.NumIn() != 3 || mt.NumOut() != 2 {
		return nil, false
	}
	if mt.In(1) != contextType || mt.Out(1) != errorType {
		return nil, false
	}
	arg := mt.In(2)
	if arg.Kind() != reflect.Pointer || arg.Elem().Kind() != reflect.Struct || !arg.Implements(requestType) {
		return nil, false
	}
	if !mt.Out(0).Implements(responseType) {
		return nil, false
	}
	return arg, true
}

func (s *service) call(ctx context.Context, p *procedure, req event.Request) (event.Response, error) {
	args := [3]reflect.Value{s.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(req)}
	results := p.method.Func.Call(args[:])
	if errv := results[1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	out := results[0]
	if (out.Kind() == reflect.Pointer || out.Kind() == reflect.Interface) && out.IsNil() {
		return nil, errNoResponse
	}
	return out.Interface().(event.Response), nil
}
