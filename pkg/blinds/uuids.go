package blinds

// Slot names one of the vendor characteristics a blind exposes.
type Slot string

// Known characteristic slots.
const (
	SlotAck         Slot = "ack"
	SlotAngle       Slot = "angle"
	SlotCalibration Slot = "calibration"
	SlotName        Slot = "name"
	SlotPasskey     Slot = "passkey"
	SlotRxTx        Slot = "rxtx"
	SlotSchedule    Slot = "schedule"
	SlotSensors     Slot = "sensors"
	SlotStatus      Slot = "status"
	SlotTime        Slot = "time"
	SlotVersionInfo Slot = "version_info"
)

const uuidSuffix = "-1212-efde-1600-785feabcd123"

// slotUUIDs maps each slot to its full lowercase characteristic UUID.
var slotUUIDs = map[Slot]string{
	SlotAck:         "00001503" + uuidSuffix,
	SlotAngle:       "00001403" + uuidSuffix,
	SlotCalibration: "0000140a" + uuidSuffix,
	SlotName:        "00001401" + uuidSuffix,
	SlotPasskey:     "00001409" + uuidSuffix,
	SlotRxTx:        "00001407" + uuidSuffix,
	SlotSchedule:    "00001501" + uuidSuffix,
	SlotSensors:     "00001651" + uuidSuffix,
	SlotStatus:      "00001402" + uuidSuffix,
	SlotTime:        "00001405" + uuidSuffix,
	SlotVersionInfo: "00001404" + uuidSuffix,
}

// slotByUUID is the inverse of slotUUIDs.
var slotByUUID = func() map[string]Slot {
	m := make(map[string]Slot, len(slotUUIDs))
	for slot, uuid := range slotUUIDs {
		m[uuid] = slot
	}
	return m
}()

// SlotForUUID returns the slot bound to a characteristic UUID.
func SlotForUUID(uuid string) (Slot, bool) {
	slot, ok := slotByUUID[uuid]
	return slot, ok
}

// notifySlots are the slots subscribed for notifications on connect.
var notifySlots = []Slot{SlotAngle, SlotPasskey, SlotSensors, SlotStatus}
