package messages

// CommandKind is the wire discriminator of a client command.
type CommandKind string

const (
	CommandPing            CommandKind = "ping"
	CommandListSensors     CommandKind = "obtener_sensores"
	CommandServerStats     CommandKind = "obtener_estadisticas_servidor"
	CommandSubscribeSensor CommandKind = "suscribir_sensor"
)

// Command is a message sent to the server. Implementations are plain
// values and are never mutated after construction.
type Command interface {
	Kind() CommandKind
}

type Ping struct{}

type ListSensors struct{}

type RequestServerStats struct{}

type SubscribeSensor struct {
	SensorID string `json:"sensorId"`
}

func (Ping) Kind() CommandKind               { return CommandPing }
func (ListSensors) Kind() CommandKind        { return CommandListSensors }
func (RequestServerStats) Kind() CommandKind { return CommandServerStats }
func (SubscribeSensor) Kind() CommandKind    { return CommandSubscribeSensor }
