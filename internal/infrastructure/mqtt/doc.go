// Package mqtt is the daemon's connection to the Home Assistant bus.
//
// Device state goes out as retained snapshots, commands come back in
// on the command topics, and retained discovery configs let Home
// Assistant create entities without manual YAML. The broker
// (Mosquitto in a typical install) decouples the daemon from however
// many consumers are watching:
//
//	MELCloud API <-> melbridge <-> broker <-> Home Assistant
//
// The client wraps eclipse/paho with the behaviour the bridge needs.
// Subscriptions are tracked and replayed on reconnect, inbound
// handlers run behind panic recovery, and the bridge status topic
// stays truthful: retained online on connect, graceful offline on
// Close, and a broker-delivered Last Will when the daemon dies
// uncleanly. Home Assistant uses that topic as the availability
// source for every bridge entity.
//
// Topic layout and the inbound command grammar live in topics.go;
// ParseCommandTopic turns a received topic back into a device, zone
// and field reference:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        ref, err := mqtt.ParseCommandTopic(topic)
//	        if err != nil {
//	            return err
//	        }
//	        return enqueue(ref, payload)
//	    })
//
// Credentials and TLS come from the mqtt section of config.yaml.
// Anonymous plain-TCP connections are for development brokers only.
package mqtt
