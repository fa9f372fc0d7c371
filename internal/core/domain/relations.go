package domain

// CarryRelations copies joined relations from prev onto next when next
// arrived without them and still points at the same related row. Realtime
// rows never carry joins, so an update would otherwise blank them out.
func CarryRelations(prev, next Entity) {
	switch n := next.(type) {
	case *Appointment:
		p, ok := prev.(*Appointment)
		if !ok {
			return
		}
		if n.Owner == nil && p.Owner != nil && p.OwnerID == n.OwnerID {
			o := *p.Owner
			n.Owner = &o
		}
		if n.Type == nil && p.Type != nil && p.TypeID == n.TypeID {
			t := *p.Type
			n.Type = &t
		}
	case *Task:
		p, ok := prev.(*Task)
		if !ok {
			return
		}
		if n.Owner == nil && p.Owner != nil && p.OwnerID == n.OwnerID {
			o := *p.Owner
			n.Owner = &o
		}
		if n.Template == nil && p.Template != nil && p.TemplateID == n.TemplateID {
			n.Template = p.Template.Clone().(*TaskTemplate)
		}
	case *Message:
		p, ok := prev.(*Message)
		if !ok {
			return
		}
		if n.Sender == nil && p.Sender != nil && p.SenderID == n.SenderID {
			s := *p.Sender
			n.Sender = &s
		}
	}
}
