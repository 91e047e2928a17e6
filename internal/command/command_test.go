package command

import (
	"encoding/json"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestCommandJSONRoundTrip(t *testing.T) {
	at := time.Unix(1700000000, 500000000)

	tests := []struct {
		name string
		cmd  Command
	}{
		{
			name: "移动命令",
			cmd: Command{
				ID: 3, Type: TypeMove, Time: at, ClientID: intPtr(101),
				Data: MoveData{X: 400, Y: 300},
			},
		},
		{
			name: "发射投射物命令",
			cmd: Command{
				ID: 5, Type: TypeSpawnProjectile, Time: at, ClientID: intPtr(101),
				Data: SpawnProjectileData{
					ID: 77, SourceX: 10, SourceY: 20, DestX: 500, DestY: 600,
					Type: "arrow", PlayerID: 101, Friends: []int{102, 103},
				},
			},
		},
		{
			name: "无载荷命令",
			cmd:  Command{ID: 7, Type: TypeShoot, Time: at, ClientID: intPtr(101)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.cmd)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			var decoded Command
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			if decoded.ID != tt.cmd.ID || decoded.Type != tt.cmd.Type {
				t.Errorf("往返不一致: %+v", decoded)
			}
			if !decoded.Time.Equal(tt.cmd.Time) {
				t.Errorf("时间戳不一致: got %v, want %v", decoded.Time, tt.cmd.Time)
			}
		})
	}
}

func TestCommandWireShape(t *testing.T) {
	cmd := Command{
		ID: 1, Type: TypeMove, Time: time.Unix(1700000000, 0), ClientID: intPtr(42),
		Data: MoveData{X: 400, Y: 300},
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}

	var wire map[string]interface{}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatal(err)
	}

	// 线上形式: {id, type, time(unix秒浮点), client_id, data}
	if wire["type"] != "move" {
		t.Errorf("type = %v", wire["type"])
	}
	if wire["time"].(float64) != 1700000000 {
		t.Errorf("time = %v", wire["time"])
	}
	data := wire["data"].(map[string]interface{})
	if data["x"].(float64) != 400 || data["y"].(float64) != 300 {
		t.Errorf("data = %v", data)
	}
}

func TestDecodePayloadByType(t *testing.T) {
	raw := `{"id":2,"type":"lose_hp","time":1700000000.5,"client_id":7,"data":{"killer_id":3,"verb":"shot","hp":1}}`

	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	data, ok := cmd.Data.(LoseHPData)
	if !ok {
		t.Fatalf("载荷类型 = %T, want LoseHPData", cmd.Data)
	}
	if data.KillerID != 3 || data.Verb != "shot" || data.HP != 1 {
		t.Errorf("载荷解码错误: %+v", data)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	raw := `{"id":2,"type":"fly","time":1700000000,"data":{}}`

	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err == nil {
		t.Error("未知命令类型应报错")
	}
}

func TestSortCommands(t *testing.T) {
	base := time.Unix(1700000000, 0)
	commands := []Command{
		{ID: 5, Type: TypeMove, Time: base.Add(2 * time.Second)},
		{ID: 3, Type: TypeMove, Time: base},
		{ID: 1, Type: TypeMove, Time: base},
		{ID: 4, Type: TypeMove, Time: base.Add(time.Second)},
	}

	SortCommands(commands)

	// 时间升序，同一时刻按ID升序
	wantIDs := []int{1, 3, 4, 5}
	for i, want := range wantIDs {
		if commands[i].ID != want {
			t.Errorf("位置 %d: ID = %d, want %d", i, commands[i].ID, want)
		}
	}
}
