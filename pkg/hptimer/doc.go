// Package hptimer периодический таймер высокой точности для отправки RTP пакетов.
//
// Каждый следующий срок вычисляется как предыдущий срок плюс период, поэтому
// задержки отдельных срабатываний не накапливаются. Если таймер отстал больше
// чем на maxLagPeriods периодов (например, процесс был приостановлен),
// сроки заново привязываются к текущему времени.
//
// На Linux ожидание выполняется через clock_nanosleep(CLOCK_MONOTONIC, TIMER_ABSTIME),
// на остальных платформах через time.Sleep с досыпанием активным ожиданием.
//
// Обработчики вызываются последовательно в выделенном потоке ОС в порядке подписки.
package hptimer
