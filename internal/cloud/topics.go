package cloud

// Hub topic scheme. Everything device-scoped is namespaced by deviceId.
const thingRoot = "$hub/things/"

func topicEvents(deviceID string) string {
	return thingRoot + deviceID + "/messages/events"
}

func topicDevicebound(deviceID string) string {
	return thingRoot + deviceID + "/messages/devicebound"
}

func topicHeartbeat(deviceID string) string {
	return thingRoot + deviceID + "/heartbeat"
}

func topicTwinUpdate(deviceID string) string {
	return thingRoot + deviceID + "/twin/update"
}

func topicTwinUpdateAccepted(deviceID string) string {
	return topicTwinUpdate(deviceID) + "/accepted"
}

func topicTwinUpdateRejected(deviceID string) string {
	return topicTwinUpdate(deviceID) + "/rejected"
}

func topicTwinDelta(deviceID string) string {
	return topicTwinUpdate(deviceID) + "/delta"
}

func topicTwinGet(deviceID string) string {
	return thingRoot + deviceID + "/twin/get"
}

func topicTwinGetAccepted(deviceID string) string {
	return topicTwinGet(deviceID) + "/accepted"
}

func topicTwinGetRejected(deviceID string) string {
	return topicTwinGet(deviceID) + "/rejected"
}

func topicMethodPost(deviceID string) string {
	return thingRoot + deviceID + "/methods/post"
}

func topicMethodResponse(deviceID, requestID string) string {
	return thingRoot + deviceID + "/methods/response/" + requestID
}

// Fleet-provisioning topics. These are not device-scoped: the claim
// session runs under the provisioning client id.
const (
	topicProvisionRequest  = "$hub/provisioning/certificates/create-from-csr"
	topicProvisionAccepted = topicProvisionRequest + "/accepted"
	topicProvisionRejected = topicProvisionRequest + "/rejected"
)
