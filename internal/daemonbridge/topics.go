package daemonbridge

import "fmt"

// Topic builders for the grammar of spec §4.7: prefix/clients/<id>/<device>/*
// and prefix/aliases/<id>[/set]. id is the daemon's persisted client-id.

func topicState(prefix, id, device string) string {
	return fmt.Sprintf("%s/clients/%s/%s/state", prefix, id, device)
}

func topicPrintProgress(prefix, id, device string) string {
	return fmt.Sprintf("%s/clients/%s/%s/print_progress", prefix, id, device)
}

func topicSensorReadings(prefix, id, device string) string {
	return fmt.Sprintf("%s/clients/%s/%s/sensor_readings", prefix, id, device)
}

func topicPrintRequest(prefix, id, device string) string {
	return fmt.Sprintf("%s/clients/%s/%s/print_request", prefix, id, device)
}

func topicPrintResponse(prefix, id, device string) string {
	return fmt.Sprintf("%s/clients/%s/%s/print_response", prefix, id, device)
}

func topicAliases(prefix, id string) string {
	return fmt.Sprintf("%s/aliases/%s", prefix, id)
}

func topicAliasesSet(prefix, id string) string {
	return fmt.Sprintf("%s/aliases/%s/set", prefix, id)
}
