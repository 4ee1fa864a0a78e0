package normalize

import (
	"strconv"
	"time"

	"github.com/sua-org/cam-counter/internal/core"
)

// Request é o que o handler HTTP repassa pro normalizador.
type Request struct {
	Hints Hints
	Raw   []byte
	Now   time.Time
}

// PeopleCount monta o evento de contagem a partir de LineRuleDataList
// (ou do legado LineRuleData). Sem lista = nada a gravar.
func PeopleCount(payload any, req Request) (*core.RawEvent, bool) {
	obj, ok := asObject(payload)
	if !ok {
		return nil, false
	}
	listRaw, present := obj["LineRuleDataList"]
	if !present || listRaw == nil {
		listRaw = obj["LineRuleData"]
	}
	list, ok := asArray(listRaw)
	if !ok {
		return nil, false
	}

	ev := baseEvent(core.EventKindPeopleCount, payload, req)
	ev.Lines = make([]core.LineCount, 0, len(list))
	for _, item := range list {
		line, ok := asObject(item)
		if !ok {
			continue
		}
		ev.Lines = append(ev.Lines, core.LineCount{
			LineID: toInt(line["LineID"]),
			In:     toInt(line["ObjectIn"]),
			Out:    toInt(line["ObjectOut"]),
		})
	}
	return ev, true
}

// FaceDetection lê StructureInfo.ObjInfo.FaceInfoList. Lista ausente é
// um evento com zero rostos, não um erro.
func FaceDetection(payload any, req Request) (*core.RawEvent, bool) {
	if _, ok := asObject(payload); !ok {
		return nil, false
	}

	ev := baseEvent(core.EventKindFaceDetection, payload, req)
	faces := faceList(payload)
	ev.Faces = make([]core.FaceObservation, 0, len(faces))
	for _, f := range faces {
		ev.Faces = append(ev.Faces, faceObservation(f))
	}
	return ev, true
}

func baseEvent(kind core.EventKind, payload any, req Request) *core.RawEvent {
	return &core.RawEvent{
		Kind:      kind,
		IP:        RequestIP(req.Hints, payload, req.Raw),
		ChannelNo: ParseChannelNo(ResolveChannel(req.Hints, payload)),
		EventTime: EventTime(payload, req.Now),
		Payload:   req.Raw,
	}
}

func faceList(payload any) []any {
	obj, _ := asObject(payload)
	si, ok := asObject(obj["StructureInfo"])
	if !ok {
		return nil
	}
	oi, ok := asObject(si["ObjInfo"])
	if !ok {
		return nil
	}
	list, _ := asArray(oi["FaceInfoList"])
	return list
}

func faceObservation(item any) core.FaceObservation {
	face, _ := asObject(item)
	attrs, ok := asObject(face["AttributeInfo"])
	if !ok {
		attrs = map[string]any{}
	}

	obs := core.FaceObservation{
		AgeRange: stringPtr(attrs["AgeRange"]),
		Gender:   stringPtr(attrs["Gender"]),
		Glasses:  stringPtr(attrs["Glasses"]),
		Mask:     stringPtr(attrs["Mask"]),
		Extra:    attrs,
	}
	if id, ok := scalarString(face["FaceID"]); ok {
		obs.FaceID = &id
	}
	if age, ok := attrs["Age"].(float64); ok {
		a := int(age)
		obs.Age = &a
	}
	return obs
}

// LiveEvents gera as notificações do dashboard para um evento normalizado:
// uma por linha na contagem, uma por payload na detecção de rosto.
func LiveEvents(ev *core.RawEvent) []core.LiveEvent {
	ch := strconv.Itoa(ev.ChannelNo)
	if ev.Kind == core.EventKindFaceDetection {
		n := len(ev.Faces)
		return []core.LiveEvent{{
			Type:      ev.Kind,
			IP:        ev.IP,
			ChannelID: ch,
			Timestamp: ev.EventTime,
			Faces:     &n,
		}}
	}
	out := make([]core.LiveEvent, 0, len(ev.Lines))
	for _, l := range ev.Lines {
		l := l
		out = append(out, core.LiveEvent{
			Type:      ev.Kind,
			IP:        ev.IP,
			ChannelID: ch,
			Timestamp: ev.EventTime,
			LineID:    &l.LineID,
			In:        &l.In,
			Out:       &l.Out,
		})
	}
	return out
}
