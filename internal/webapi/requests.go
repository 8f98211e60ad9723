package webapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hollowoak/scbusd/internal/handler"
	"github.com/hollowoak/scbusd/internal/ids"
)

// Wire payload shapes, one per POST route. Field names are camelCase
// JSON matching the route names.

type allEventChangeBody struct {
	AdjustmentSecs  uint64 `json:"adjustmentSecs"`
	AdjustmentNanos uint64 `json:"adjustmentNanos"`
	IsNegative      bool   `json:"isNegative"`
}

type broadcastEventBody struct {
	ID   uint32  `json:"id"`
	Data *uint32 `json:"data"`
}

type configFileBody struct {
	Filename string `json:"filename"`
}

type cueEventBody struct {
	ID   uint32 `json:"id"`
	Secs uint64 `json:"secs"`
	Nanos uint64 `json:"nanos"`
}

type debugModeBody struct {
	IsDebug bool `json:"isDebug"`
}

type modificationBody struct {
	ItemID uint32 `json:"itemId"`
	Field  string `json:"field"`
	Value  string `json:"value"`
}

type editBody struct {
	Modifications []modificationBody `json:"modifications"`
}

type errorLogBody struct {
	Filename string `json:"filename"`
}

type eventChangeBody struct {
	EventID   uint32  `json:"eventId"`
	StartTime string  `json:"startTime"` // RFC3339
	NewDelay  *uint64 `json:"newDelaySecs,omitempty"`
}

type gameLogBody struct {
	Filename string `json:"filename"`
}

type processEventBody struct {
	EventID    uint32 `json:"eventId"`
	CheckScene bool   `json:"checkScene"`
	Broadcast  bool   `json:"broadcast"`
}

type saveConfigBody struct {
	Filename string `json:"filename"`
}

type sceneChangeBody struct {
	SceneID uint32 `json:"sceneId"`
}

type statusChangeBody struct {
	StatusID uint32 `json:"statusId"`
	StateID  uint32 `json:"stateId"`
}

func decodeJSON[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

func toAllEventChange(b allEventChangeBody) handler.Request {
	return handler.Request{
		Kind:       handler.KindAllEventChange,
		Adjustment: time.Duration(b.AdjustmentSecs)*time.Second + time.Duration(b.AdjustmentNanos),
		IsNegative: b.IsNegative,
	}
}

func toBroadcastEvent(b broadcastEventBody) handler.Request {
	return handler.Request{
		Kind:    handler.KindBroadcastEvent,
		EventID: ids.NewUnchecked(b.ID),
		Data:    b.Data,
	}
}

func toConfigFile(b configFileBody) handler.Request {
	return handler.Request{Kind: handler.KindConfigFile, Filepath: b.Filename}
}

func toCueEvent(b cueEventBody) handler.Request {
	var delay *time.Duration
	if b.Secs != 0 || b.Nanos != 0 {
		d := time.Duration(b.Secs)*time.Second + time.Duration(b.Nanos)
		delay = &d
	}
	return handler.Request{
		Kind: handler.KindCueEvent,
		EventDelay: handler.EventDelay{
			Delay: delay,
			Event: ids.NewUnchecked(b.ID),
		},
	}
}

func toDebugMode(b debugModeBody) handler.Request {
	return handler.Request{Kind: handler.KindDebugMode, IsDebug: b.IsDebug}
}

func toEdit(b editBody) handler.Request {
	mods := make([]handler.Modification, len(b.Modifications))
	for i, m := range b.Modifications {
		mods[i] = handler.Modification{ItemID: ids.NewUnchecked(m.ItemID), Field: m.Field, Value: m.Value}
	}
	return handler.Request{Kind: handler.KindEdit, Modifications: mods}
}

func toErrorLog(b errorLogBody) handler.Request {
	return handler.Request{Kind: handler.KindErrorLog, Filepath: b.Filename}
}

func toEventChange(b eventChangeBody) (handler.Request, error) {
	start, err := time.Parse(time.RFC3339, b.StartTime)
	if err != nil {
		return handler.Request{}, fmt.Errorf("parse startTime: %w", err)
	}
	var newDelay *time.Duration
	if b.NewDelay != nil {
		d := time.Duration(*b.NewDelay) * time.Second
		newDelay = &d
	}
	return handler.Request{
		Kind:      handler.KindEventChange,
		EventID:   ids.NewUnchecked(b.EventID),
		StartTime: start,
		NewDelay:  newDelay,
	}, nil
}

func toGameLog(b gameLogBody) handler.Request {
	return handler.Request{Kind: handler.KindGameLog, Filepath: b.Filename}
}

func toProcessEvent(b processEventBody) handler.Request {
	return handler.Request{
		Kind:       handler.KindProcessEvent,
		EventID:    ids.NewUnchecked(b.EventID),
		CheckScene: b.CheckScene,
		Broadcast:  b.Broadcast,
	}
}

func toSaveConfig(b saveConfigBody) handler.Request {
	return handler.Request{Kind: handler.KindSaveConfig, Filepath: b.Filename}
}

func toSceneChange(b sceneChangeBody) handler.Request {
	return handler.Request{Kind: handler.KindSceneChange, SceneID: ids.NewUnchecked(b.SceneID)}
}

func toStatusChange(b statusChangeBody) handler.Request {
	return handler.Request{
		Kind:     handler.KindStatusChange,
		StatusID: ids.NewUnchecked(b.StatusID),
		StateID:  ids.NewUnchecked(b.StateID),
	}
}

// parseGetItemID parses the {id} path segment for GET /getItem/{id}: a
// plain base-10 uint32, not JSON.
func parseGetItemID(s string) (ids.Identifier, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return ids.Identifier{}, fmt.Errorf("getItem: %w", err)
	}
	return ids.NewUnchecked(uint32(v)), nil
}

type replyBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type itemReplyBody struct {
	IsValid     bool   `json:"isValid"`
	ID          uint32 `json:"id"`
	Description string `json:"description"`
}
