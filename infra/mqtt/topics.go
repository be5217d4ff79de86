package mqtt

// Dongle topic suffixes. Settings go one at a time to the update topic; the
// dongle confirms each on the response topic and streams telemetry on the
// inputbank topic.
const (
	topicUpdate    = "/update"
	topicResponse  = "/response"
	topicInputBank = "/inputbank1"
)

// Dongle setting keys.
const (
	settingACCharge    = "ACCharge"
	settingChargeMode  = "ACChgMode"
	settingSOCLimit    = "ACChgSOCLimit"
	settingChargeStart = "ACChgStart"
	settingChargeEnd   = "ACChgEnd"
)
