package weft

// Arg is an opaque value produced by (*Peer).Receiver, (*Peer).Meta, or a
// PublishOptions literal. It exists only to disambiguate the leading
// positional arguments of Emit, Call, Fetch, and Push from the ordinary
// user parameters that follow them; no concrete Arg implementation is
// meant to be inspected by application code. The positional forms are
// classified into the struct types EmitRequest, CallRequest, FetchRequest,
// and PushRequest internally; of these, only EmitRequest is accepted by an
// exported method (EmitDry), so Call, Fetch, Push, and PushStream have no
// struct-shaped entry point.
type Arg interface{ isArg() }

type receiverArg struct{ id string }

func (receiverArg) isArg() {}

// Receiver returns an opaque argument that directs a call to the peer whose
// id equals id, rather than broadcasting to every subscriber/registrant/
// provisioner of the endpoint.
func (p *Peer) Receiver(id string) Arg { return receiverArg{id: id} }

type metaArg struct{ kv map[string]any }

func (metaArg) isArg() {}

// Meta returns an opaque argument carrying an out-of-band metadata map,
// delivered on the first chunk of a resource push transfer (Push and
// PushStream). Emit, Call, and Fetch accept it but do not transmit it.
func (p *Peer) Meta(kv map[string]any) Arg { return metaArg{kv: kv} }

func (PublishOptions) isArg() {}

// classifiedArgs is the result of parsing a variadic call's leading
// arguments into their constituent parts.
type classifiedArgs struct {
	receiver string
	hasRecv  bool
	options  PublishOptions
	hasOpts  bool
	meta     map[string]any
	hasMeta  bool
	params   []any
}

// classifyArgs implements the Argument Parser of spec.md §4.4/§9: a leading
// receiver wrapper, if any, is consumed first; a leading PublishOptions, if
// any, is consumed next; a leading meta wrapper, if any, is consumed next;
// everything else is treated as positional user parameters. The first
// argument that doesn't match the next expected wrapper kind - including a
// second wrapper of a kind already consumed - ends classification; all
// arguments from that point on, including any Arg values among them, are
// forwarded verbatim as params.
func classifyArgs(args []any) classifiedArgs {
	var c classifiedArgs
	i := 0
loop:
	for i < len(args) {
		switch v := args[i].(type) {
		case receiverArg:
			if c.hasRecv || c.hasOpts || c.hasMeta {
				break loop
			}
			c.receiver, c.hasRecv = v.id, true
		case PublishOptions:
			if c.hasOpts || c.hasMeta {
				break loop
			}
			c.options, c.hasOpts = v, true
		case metaArg:
			if c.hasMeta {
				break loop
			}
			c.meta, c.hasMeta = v.kv, true
		default:
			break loop
		}
		i++
	}
	c.params = args[i:]
	return c
}
