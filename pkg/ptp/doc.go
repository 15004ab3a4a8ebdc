// Package ptp реализует упрощенный PTPv2 (IEEE 1588-2008) для синхронизации
// аудио потоков AES67.
//
// Пакет поддерживает end-to-end механизм задержек, двухшаговый Sync и выбор
// master по алгоритму BMC. Коррекция частоты и boundary/transparent clock не
// реализованы: локальные часы корректируются только смещением.
//
// # Основные компоненты
//
//   - Timestamp: время в секундах и наносекундах с нормализацией
//   - Message, ParseMessage: кодек сообщений Sync, Follow_Up, Delay_Req, Delay_Resp, Announce
//   - ClockIdentity, Compare: сравнение часов по BMC
//   - Engine: движок синхронизации одного домена
//
// # Использование
//
//	engine, err := ptp.NewEngine(ptp.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	if err := engine.Start(ctx); err != nil {
//		return err
//	}
//	defer engine.Stop()
//
//	if engine.IsTimeEstablished() {
//		now := engine.Now() // скорректированное PTP время
//	}
//
// # Multicast
//
// Домен 0-3 определяет группу 224.0.1.129-224.0.1.132. Event сообщения идут
// на порт 319, general на порт 320.
package ptp
