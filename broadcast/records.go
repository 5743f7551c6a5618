package broadcast

// Outbound record types.
const (
	TypeSensorData        = "sensor_data"
	TypeValveResponse     = "valve_response"
	TypeValveState        = "valve_state"
	TypeStepMotorResponse = "step_motor_response"
)

// Inbound record types.
const (
	TypeValveCommand     = "valve_command"
	TypeStepMotorCommand = "step_motor_command"
	TypeSystemMode       = "system_mode"
	TypeGetSensors       = "get_sensors"
)

func SensorData(payload map[string]any) Record {
	return Record{"type": TypeSensorData, "data": payload}
}

func ValveState(valves []int) Record {
	return Record{"type": TypeValveState, "valves": valves}
}

func ValveResponse(success bool, valves []int, errText string) Record {
	rec := Record{"type": TypeValveResponse, "success": success, "valves": valves}
	if errText != "" {
		rec["error"] = errText
	}
	return rec
}

func StepMotorResponse(success bool, motorID int, angle float64, response string) Record {
	return Record{
		"type":     TypeStepMotorResponse,
		"success":  success,
		"motor_id": motorID,
		"angle":    angle,
		"response": response,
	}
}
